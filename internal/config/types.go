package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Inputs: 文档来源（JSONL 文件路径或 "-" 表示 STDIN）。
	Inputs []string `json:"inputs"`
	// Output: 结果 JSONL 输出路径；空表示 STDOUT。
	Output string `json:"output"`
	// InPlace: true 时直接修改输入批次，跳过深拷贝。
	InPlace bool    `json:"in_place"`
	Logging Logging `json:"logging"`

	// Engine 选择与定义。
	Engine  string               `json:"engine"`
	Engines map[string]EngineDef `json:"engines"`

	// Tasks: 有序任务链。
	Tasks []TaskDef `json:"tasks"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// EngineDef: 命名引擎定义（注册表实现名 + 原样 JSON Options）。
type EngineDef struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options"`
}

// TaskDef: 单任务定义。ID 全链唯一；Type 为注册表任务类型名；
// Options 原样 JSON 传入工厂（严格解码在工厂层）。
type TaskDef struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options"`
}
