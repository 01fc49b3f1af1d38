package contract

import (
	"context"
	"encoding/json"
)

// Backend: 后端方言标识。桥接注册表以此为键，构造期一次解析，
// 调用点不再做运行时分支。
type Backend string

const (
	BackendOpenAI Backend = "openai"
	BackendOllama Backend = "ollama"
)

// InferenceMode: 不透明载荷，由具体引擎解释（各引擎包内定义封闭 Mode 枚举）。
// 桥接注册表已钉死 (任务, 后端) 配对，载荷类型不匹配属于构造期错误。
type InferenceMode any

// Example: 少样本示例。Values 为输入字段，Output 为期望的结构化输出。
type Example struct {
	Values Values          `json:"values"`
	Output json.RawMessage `json:"output"`
}

// ExecSpec: 构造可执行体所需的全部声明。
type ExecSpec struct {
	Mode           InferenceMode
	PromptTemplate string // 可为空；由配对的引擎解释
	Signature      Signature
	Fewshot        []Example
}

// Executable: 对展平分块记录表的单次逻辑调用。
// 约束：
//  1. 返回序列与输入等长、保序；
//  2. 单条失败以 nil Raw 表示（宽松模式），不得中止整批；
//     严格模式下解析失败返回 ErrResponseInvalid；
//  3. 阻塞直至全部结果就绪（无流式/部分结果语义）；
//  4. 内部可自由并行/分批，对调用方不可见；
//  5. 尊重 ctx 取消/超时。
type Executable func(ctx context.Context, records []Values) ([]Raw, error)

// Engine: 推理引擎（外部协作方的窄接口）。
// Build 为纯组装（解析模板、校验模式），不做网络 I/O。
type Engine interface {
	// Backend 返回引擎产出/消费的方言标识。
	Backend() Backend
	Build(spec ExecSpec) (Executable, error)
}
