// Package translation 提供翻译任务：逐分块翻译后按原文顺序拼接，
// 可选覆写文档正文。
package translation

import (
	"encoding/json"
	"fmt"
	"strings"

	"docsift/internal/consolidate"
	"docsift/internal/diag"
	"docsift/internal/taskrun"
	"docsift/pkg/contract"
	engollama "docsift/plugins/engine/ollama"
	engopenai "docsift/plugins/engine/openai"
)

const defaultInstructions = "Translate the text into the target language. Preserve meaning, tone and formatting. Also report a confidence score from 0.0 to 1.0."

// Options: 任务配置。
type Options struct {
	// TargetLanguage: 目标语言（必填，例如 "German"）。
	TargetLanguage string `json:"target_language"`
	// SourceLanguage: 源语言（可选；空表示自动判别）。
	SourceLanguage string `json:"source_language,omitempty"`
	// Overwrite: true 时把合并译文写回 doc.Text（并清空过期分块）。
	Overwrite bool `json:"overwrite,omitempty"`
	// PromptInstructions: 覆盖默认任务指令。
	PromptInstructions string `json:"prompt_instructions,omitempty"`
	// Fewshot: 少样本示例。
	Fewshot []contract.Example `json:"fewshot,omitempty"`
	// Filter: 程序化过滤谓词；不参与 JSON 配置。
	Filter contract.Predicate `json:"-"`
}

var bridges = map[contract.Backend]func(id contract.TaskID, o *Options) contract.Bridge{
	contract.BackendOpenAI: func(id contract.TaskID, o *Options) contract.Bridge {
		return newBridge(id, o, engopenai.ModeJSONSchema)
	},
	contract.BackendOllama: func(id contract.TaskID, o *Options) contract.Bridge {
		return newBridge(id, o, engollama.ModeJSON)
	},
}

// Task 实现 contract.Task 与 contract.Chainable。
type Task struct{ *taskrun.Runner }

func (t *Task) Consumes() contract.Kind { return "" }
func (t *Task) Produces() contract.Kind { return contract.KindText }

// New 构造翻译任务。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil || strings.TrimSpace(o.TargetLanguage) == "" {
		return nil, fmt.Errorf("translation: empty target language: %w", contract.ErrInvalidInput)
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("translation: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
	}
	r, err := taskrun.New(taskrun.Options{
		ID:      id,
		Engine:  eng,
		Bridge:  mk(id, o),
		Fewshot: o.Fewshot,
		Filter:  o.Filter,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	return &Task{Runner: r}, nil
}

type bridge struct {
	id           contract.TaskID
	target       string
	source       string
	overwrite    bool
	instructions string
	mode         contract.InferenceMode
	strategy     consolidate.Text
}

func newBridge(id contract.TaskID, o *Options, mode contract.InferenceMode) *bridge {
	ins := o.PromptInstructions
	if ins == "" {
		ins = defaultInstructions
	}
	return &bridge{
		id:           id,
		target:       o.TargetLanguage,
		source:       o.SourceLanguage,
		overwrite:    o.Overwrite,
		instructions: ins,
		mode:         mode,
		strategy:     consolidate.Text{Extract: parseText},
	}
}

func (b *bridge) PromptTemplate() string {
	if b.source != "" {
		return b.instructions + "\n\nSource language: {{.source_language}}\nTarget language: {{.target_language}}\n\nText:\n{{.text}}"
	}
	return b.instructions + "\n\nTarget language: {{.target_language}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{Kind: contract.KindText}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("translation: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		v := contract.Values{"target_language": b.target}
		if b.source != "" {
			v["source_language"] = b.source
		}
		out = append(out, v)
	}
	return out, nil
}

func (b *bridge) Consolidate(results []contract.Raw, offsets []contract.Span) ([]any, error) {
	texts, err := b.strategy.Consolidate(results, offsets)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(texts))
	for i, tr := range texts {
		out[i] = tr
	}
	return out, nil
}

func (b *bridge) Integrate(results []any, docs []*contract.Doc) error {
	for i, d := range docs {
		d.EnsureResults()
		d.Results[b.id] = results[i]
		if b.overwrite {
			tr := results[i].(contract.TextResult)
			// 覆写后原分块不再是新正文的切片，必须一并清空。
			d.Text = tr.Text
			d.Chunks = nil
		}
	}
	return nil
}

// parseText 解析单分块结果 {"text":string,"score"?:number}。
func parseText(raw contract.Raw) (string, *float64, error) {
	var v struct {
		Text  string   `json:"text"`
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", nil, fmt.Errorf("translation: %w: %v", contract.ErrResponseInvalid, err)
	}
	return v.Text, v.Score, nil
}
