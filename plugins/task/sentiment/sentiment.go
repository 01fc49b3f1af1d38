// Package sentiment 提供方面级情感分析任务：固定方面键集的
// 得分映射与可选整体得分。
package sentiment

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

const defaultInstructions = "Rate the sentiment of the text towards each aspect from 0.0 (very negative) to 1.0 (very positive). Score every aspect, plus an overall sentiment."

// Options: 任务配置。
type Options struct {
	// Aspects: 固定方面键集（必填，如 food、service）。
	Aspects []string `json:"aspects"`
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
func (t *Task) Produces() contract.Kind { return contract.KindAspects }

// New 构造情感分析任务。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil || len(o.Aspects) == 0 {
		return nil, fmt.Errorf("sentiment: empty aspect set: %w", contract.ErrInvalidInput)
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("sentiment: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
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
	aspects      []string
	instructions string
	mode         contract.InferenceMode
	strategy     consolidate.Aspects
}

func newBridge(id contract.TaskID, o *Options, mode contract.InferenceMode) *bridge {
	ins := o.PromptInstructions
	if ins == "" {
		ins = defaultInstructions
	}
	return &bridge{
		id:           id,
		aspects:      o.Aspects,
		instructions: ins,
		mode:         mode,
		strategy:     consolidate.Aspects{Keys: o.Aspects, Extract: parseAspects},
	}
}

func (b *bridge) PromptTemplate() string {
	return b.instructions + "\n\nAspects:\n{{.aspects}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{Kind: contract.KindAspects, Aspects: b.aspects}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("sentiment: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		out = append(out, contract.Values{"aspects": "- " + strings.Join(b.aspects, "\n- ")})
	}
	return out, nil
}

func (b *bridge) Consolidate(results []contract.Raw, offsets []contract.Span) ([]any, error) {
	maps, err := b.strategy.Consolidate(results, offsets)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out, nil
}

func (b *bridge) Integrate(results []any, docs []*contract.Doc) error {
	for i, d := range docs {
		d.EnsureResults()
		d.Results[b.id] = results[i]
	}
	return nil
}

// parseAspects 解析单分块结果 {"aspects":{key:number},"overall"?:number}。
func parseAspects(raw contract.Raw) (map[string]float64, *float64, error) {
	var v struct {
		Aspects map[string]float64 `json:"aspects"`
		Overall *float64           `json:"overall"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, fmt.Errorf("sentiment: %w: %v", contract.ErrResponseInvalid, err)
	}
	return v.Aspects, v.Overall, nil
}
