// Package openai 提供基于 Chat Completions 的推理引擎。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/template"

	oai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"docsift/internal/rate"
	"docsift/pkg/contract"
)

// Mode: 本引擎的封闭推理模式枚举。
// 其它后端的模式载荷在 Build 期拒绝。
type Mode string

const (
	// ModeJSONSchema: response_format=json_schema，schema 由任务描述符生成。
	ModeJSONSchema Mode = "json_schema"
	// ModeJSON: response_format=json_object（无 schema 约束）。
	ModeJSON Mode = "json_object"
	// ModeText: 自由文本（调用方自行解析）。
	ModeText Mode = "text"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL     string   `json:"base_url"`    // 为空使用官方端点
	Model       string   `json:"model"`       // 为空则使用默认
	APIKeyEnv   string   `json:"api_key_env"` // 优先从环境变量读取
	APIKey      string   `json:"api_key"`     // 明文传入（不推荐，按需用于测试）
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	// Concurrency: 单次逻辑调用内部的请求扇出上限；对调用方不可见。
	Concurrency int `json:"concurrency"`
	// Strict: true 时单条解析失败返回 ErrResponseInvalid 中止整批；
	// false（默认）时以 nil 哨兵参与后续整合。
	Strict bool `json:"strict"`
	// RPM/TPM: 非 0 时启用限流闸门。
	RPM int `json:"rpm"`
	TPM int `json:"tpm"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gpt-4o-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
}

// caller: 窄化的客户端接口，便于测试替身。*oai.Client 满足。
type caller interface {
	CreateChatCompletion(ctx context.Context, req oai.ChatCompletionRequest) (oai.ChatCompletionResponse, error)
}

// Engine 实现 contract.Engine。
type Engine struct {
	call caller
	opts Options
	gate rate.Gate
}

// New 从原样 JSON 选项构造引擎。
func New(raw json.RawMessage) (contract.Engine, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	cfg := oai.DefaultConfig(key)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	e := &Engine{call: oai.NewClientWithConfig(cfg), opts: opts}
	if opts.RPM > 0 || opts.TPM > 0 {
		// 同凭据的引擎实例共享闸门，限额不按实例叠加
		gk, err := rate.DeriveKeyFromEngineOptions("openai", raw)
		if err != nil {
			return nil, err
		}
		e.gate = rate.For(gk, rate.Limits{RPM: opts.RPM, TPM: opts.TPM})
	}
	return e, nil
}

// Backend 返回方言标识。
func (e *Engine) Backend() contract.Backend { return contract.BackendOpenAI }

// Build 组装可执行体：解析模板、校验模式、固化 schema 与少样本前缀。
// 不做网络 I/O。
func (e *Engine) Build(spec contract.ExecSpec) (contract.Executable, error) {
	mode := ModeJSONSchema
	if spec.Mode != nil {
		m, ok := spec.Mode.(Mode)
		if !ok {
			return nil, fmt.Errorf("openai: foreign inference mode %T: %w", spec.Mode, contract.ErrBackendUnsupported)
		}
		switch m {
		case ModeJSONSchema, ModeJSON, ModeText:
			mode = m
		default:
			return nil, fmt.Errorf("openai: unknown mode %q: %w", m, contract.ErrBackendUnsupported)
		}
	}
	tpl, err := template.New("prompt").Option("missingkey=error").Parse(spec.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("openai: prompt template: %w", err)
	}

	var respFormat *oai.ChatCompletionResponseFormat
	switch mode {
	case ModeJSONSchema:
		respFormat = &oai.ChatCompletionResponseFormat{
			Type: oai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &oai.ChatCompletionResponseFormatJSONSchema{
				Name:   "result",
				Schema: json.RawMessage(spec.Signature.JSONSchema()),
				Strict: true,
			},
		}
	case ModeJSON:
		respFormat = &oai.ChatCompletionResponseFormat{
			Type: oai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	// 少样本前缀：user(输入 JSON) / assistant(期望输出)，一次固化。
	shots := make([]oai.ChatCompletionMessage, 0, 2*len(spec.Fewshot))
	for _, ex := range spec.Fewshot {
		in, err := json.Marshal(ex.Values)
		if err != nil {
			return nil, fmt.Errorf("openai: fewshot values: %w", err)
		}
		shots = append(shots,
			oai.ChatCompletionMessage{Role: oai.ChatMessageRoleUser, Content: string(in)},
			oai.ChatCompletionMessage{Role: oai.ChatMessageRoleAssistant, Content: string(ex.Output)},
		)
	}

	jsonOut := mode != ModeText

	return func(ctx context.Context, records []contract.Values) ([]contract.Raw, error) {
		out := make([]contract.Raw, len(records))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.Concurrency)
		for i, rec := range records {
			i, rec := i, rec
			g.Go(func() error {
				var buf bytes.Buffer
				if err := tpl.Execute(&buf, map[string]any(rec)); err != nil {
					return fmt.Errorf("openai: render record %d: %w", i, contract.ErrInvalidInput)
				}
				prompt := buf.String()
				if e.gate != nil {
					// 粗略 token 估算：4 字符/Token + 预期输出
					est := len(prompt)/4 + e.opts.MaxTokens
					if est < 1 {
						est = 1
					}
					if err := e.gate.Wait(gctx, rate.Ask{Requests: 1, Tokens: est}); err != nil {
						return err
					}
				}
				req := oai.ChatCompletionRequest{
					Model:          e.opts.Model,
					Messages:       append(append([]oai.ChatCompletionMessage{}, shots...), oai.ChatCompletionMessage{Role: oai.ChatMessageRoleUser, Content: prompt}),
					ResponseFormat: respFormat,
				}
				if e.opts.Temperature != nil {
					req.Temperature = *e.opts.Temperature
				}
				if e.opts.MaxTokens > 0 {
					req.MaxTokens = e.opts.MaxTokens
				}
				resp, err := e.call.CreateChatCompletion(gctx, req)
				if err != nil {
					// 取消不可吞：宽松模式也要中止
					if gctx.Err() != nil {
						return gctx.Err()
					}
					if e.opts.Strict {
						return fmt.Errorf("openai: record %d: %w", i, err)
					}
					return nil // 宽松：nil 哨兵
				}
				if len(resp.Choices) == 0 {
					if e.opts.Strict {
						return fmt.Errorf("openai: record %d: empty choices: %w", i, contract.ErrResponseInvalid)
					}
					return nil
				}
				content := []byte(resp.Choices[0].Message.Content)
				if jsonOut && !json.Valid(content) {
					if e.opts.Strict {
						return fmt.Errorf("openai: record %d: malformed JSON: %w", i, contract.ErrResponseInvalid)
					}
					return nil
				}
				out[i] = contract.Raw(content)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}, nil
}
