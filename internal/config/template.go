package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock 引擎（本地/离线调试友好）；
// - 默认输入为 STDIN（"-"），结果输出到 STDOUT；
// - 给出一条最小任务链与各引擎的全部选项键（值可为空/默认）。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:  d.Inputs,
		Output:  "",
		Logging: Logging{Level: "info"},
		Engine:  "mock",
		Engines: map[string]EngineDef{
			"mock": {
				Type: "mock",
				// 包含所有 mock 选项键（可为空）
				Options: json.RawMessage(`{"dialect":"openai","responses":[],"fail_at":[],"err":""}`),
			},
			"openai": {
				Type: "openai",
				// 覆盖全部 OpenAI 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "temperature": null,
  "max_tokens": 0,
  "concurrency": 0,
  "strict": false,
  "rpm": 0,
  "tpm": 0
}`),
			},
			"ollama": {
				Type: "ollama",
				Options: json.RawMessage(`{
  "server_url": "",
  "model": "",
  "temperature": null,
  "max_tokens": 0,
  "strict": false
}`),
			},
		},
		Tasks: []TaskDef{
			{
				ID:      "classify",
				Type:    "classification",
				Options: json.RawMessage(`{"labels":["science","politics"],"descriptions":{},"prompt_instructions":""}`),
			},
		},
	}
	return cfg
}
