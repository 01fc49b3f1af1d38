// Package piimask 提供 PII 脱敏任务：逐分块把个人敏感信息替换为占位符，
// 默认覆写文档正文。
package piimask

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

const defaultInstructions = "Rewrite the text replacing every piece of personally identifiable information with the placeholder. Keep everything else verbatim. Also report a confidence score from 0.0 to 1.0."

// Options: 任务配置。
type Options struct {
	// MaskTypes: 要脱敏的信息类别（如 NAME、EMAIL、PHONE）。空表示全部 PII。
	MaskTypes []string `json:"mask_types,omitempty"`
	// Placeholder: 替换占位符，默认 "[MASKED]"。
	Placeholder string `json:"placeholder,omitempty"`
	// Overwrite: 是否把脱敏文本写回 doc.Text；缺省为 true。
	Overwrite *bool `json:"overwrite,omitempty"`
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

// New 构造脱敏任务。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil {
		o = &Options{}
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("piimask: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
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
	maskTypes    []string
	placeholder  string
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
	ph := o.Placeholder
	if ph == "" {
		ph = "[MASKED]"
	}
	ow := true
	if o.Overwrite != nil {
		ow = *o.Overwrite
	}
	return &bridge{
		id:           id,
		maskTypes:    o.MaskTypes,
		placeholder:  ph,
		overwrite:    ow,
		instructions: ins,
		mode:         mode,
		strategy:     consolidate.Text{Extract: parseText},
	}
}

func (b *bridge) PromptTemplate() string {
	if len(b.maskTypes) > 0 {
		return b.instructions + "\n\nPlaceholder: {{.placeholder}}\nMask only:\n{{.mask_types}}\n\nText:\n{{.text}}"
	}
	return b.instructions + "\n\nPlaceholder: {{.placeholder}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{Kind: contract.KindText}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("piimask: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		v := contract.Values{"placeholder": b.placeholder}
		if len(b.maskTypes) > 0 {
			v["mask_types"] = "- " + strings.Join(b.maskTypes, "\n- ")
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
		return "", nil, fmt.Errorf("piimask: %w: %v", contract.ErrResponseInvalid, err)
	}
	return v.Text, v.Score, nil
}
