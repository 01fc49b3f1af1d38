// Package ollama 提供本地模型推理引擎（ollama 服务）。
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/tmc/langchaingo/llms"
	lco "github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"docsift/pkg/contract"
)

// Mode: 本引擎的封闭推理模式枚举。
// 本地服务无 schema 约束；JSON 模式下 schema 以指令形式附在系统消息中。
type Mode string

const (
	ModeJSON Mode = "json"
	ModeText Mode = "text"
)

// Options: 最小必需配置。
type Options struct {
	ServerURL   string   `json:"server_url"` // 为空使用 http://localhost:11434
	Model       string   `json:"model"`      // 为空则使用默认
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	// Strict: 同 openai 引擎：true 时解析失败中止整批。
	Strict bool `json:"strict"`
}

func (o *Options) defaults() {
	if o.ServerURL == "" {
		o.ServerURL = "http://localhost:11434"
	}
	if o.Model == "" {
		o.Model = "llama3.1"
	}
}

// generator: 窄化的模型接口，便于测试替身。*lco.LLM 满足。
type generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Engine 实现 contract.Engine。
type Engine struct {
	model generator
	opts  Options
}

// New 从原样 JSON 选项构造引擎。
func New(raw json.RawMessage) (contract.Engine, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("ollama options: %w", err)
		}
	}
	opts.defaults()
	m, err := lco.New(lco.WithModel(opts.Model), lco.WithServerURL(opts.ServerURL))
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return &Engine{model: m, opts: opts}, nil
}

// Backend 返回方言标识。
func (e *Engine) Backend() contract.Backend { return contract.BackendOllama }

// Build 组装可执行体。本地模型逐条顺序请求，无内部扇出。
func (e *Engine) Build(spec contract.ExecSpec) (contract.Executable, error) {
	mode := ModeJSON
	if spec.Mode != nil {
		m, ok := spec.Mode.(Mode)
		if !ok {
			return nil, fmt.Errorf("ollama: foreign inference mode %T: %w", spec.Mode, contract.ErrBackendUnsupported)
		}
		switch m {
		case ModeJSON, ModeText:
			mode = m
		default:
			return nil, fmt.Errorf("ollama: unknown mode %q: %w", m, contract.ErrBackendUnsupported)
		}
	}
	tpl, err := template.New("prompt").Option("missingkey=error").Parse(spec.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("ollama: prompt template: %w", err)
	}

	// 无 schema 约束的后端：把期望形状作为系统指令。
	var system string
	if mode == ModeJSON {
		system = "Respond with a single JSON object matching this schema:\n" +
			string(spec.Signature.JSONSchema())
	}

	shots := make([]llms.MessageContent, 0, 2*len(spec.Fewshot))
	for _, ex := range spec.Fewshot {
		in, err := json.Marshal(ex.Values)
		if err != nil {
			return nil, fmt.Errorf("ollama: fewshot values: %w", err)
		}
		shots = append(shots,
			llms.TextParts(schema.ChatMessageTypeHuman, string(in)),
			llms.TextParts(schema.ChatMessageTypeAI, string(ex.Output)),
		)
	}

	var callOpts []llms.CallOption
	if mode == ModeJSON {
		callOpts = append(callOpts, llms.WithJSONMode())
	}
	if e.opts.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*e.opts.Temperature))
	}
	if e.opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(e.opts.MaxTokens))
	}

	return func(ctx context.Context, records []contract.Values) ([]contract.Raw, error) {
		out := make([]contract.Raw, len(records))
		for i, rec := range records {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var buf bytes.Buffer
			if err := tpl.Execute(&buf, map[string]any(rec)); err != nil {
				return nil, fmt.Errorf("ollama: render record %d: %w", i, contract.ErrInvalidInput)
			}
			msgs := make([]llms.MessageContent, 0, len(shots)+2)
			if system != "" {
				msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeSystem, system))
			}
			msgs = append(msgs, shots...)
			msgs = append(msgs, llms.TextParts(schema.ChatMessageTypeHuman, buf.String()))

			resp, err := e.model.GenerateContent(ctx, msgs, callOpts...)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if e.opts.Strict {
					return nil, fmt.Errorf("ollama: record %d: %w", i, err)
				}
				continue // 宽松：nil 哨兵
			}
			if len(resp.Choices) == 0 {
				if e.opts.Strict {
					return nil, fmt.Errorf("ollama: record %d: empty choices: %w", i, contract.ErrResponseInvalid)
				}
				continue
			}
			content := []byte(resp.Choices[0].Content)
			if mode == ModeJSON && !json.Valid(content) {
				if e.opts.Strict {
					return nil, fmt.Errorf("ollama: record %d: malformed JSON: %w", i, contract.ErrResponseInvalid)
				}
				continue
			}
			out[i] = contract.Raw(content)
		}
		return out, nil
	}, nil
}
