// Package classification 提供多标签分类任务：每文档产出完整的
// 标签→平均得分分布，降序排列。
package classification

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

const defaultInstructions = "You are a text classifier. Score how strongly the text matches each label, from 0.0 (no match) to 1.0 (perfect match). Score every label."

// Options: 任务配置。
type Options struct {
	// Labels: 封闭标签集；声明顺序即得分平局时的输出顺序。
	Labels []string `json:"labels"`
	// Descriptions: 可选的标签→说明映射，随提示一起下发。
	Descriptions map[string]string `json:"descriptions,omitempty"`
	// PromptInstructions: 覆盖默认任务指令。
	PromptInstructions string `json:"prompt_instructions,omitempty"`
	// Fewshot: 少样本示例，构造期透传给引擎。
	Fewshot []contract.Example `json:"fewshot,omitempty"`
	// Filter: 程序化过滤谓词；不参与 JSON 配置。
	Filter contract.Predicate `json:"-"`
}

// 桥接注册表：按后端方言钉死配对，构造期一次解析。
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
func (t *Task) Produces() contract.Kind { return contract.KindLabels }

// New 构造分类任务；后端不在注册表内返回 ErrBackendUnsupported。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil || len(o.Labels) == 0 {
		return nil, fmt.Errorf("classification: empty label set: %w", contract.ErrInvalidInput)
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("classification: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
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
	labels       []string
	labelsBlock  string
	instructions string
	mode         contract.InferenceMode
	strategy     consolidate.LabelScores
}

func newBridge(id contract.TaskID, o *Options, mode contract.InferenceMode) *bridge {
	var sb strings.Builder
	for _, l := range o.Labels {
		sb.WriteString("- ")
		sb.WriteString(l)
		if d := o.Descriptions[l]; d != "" {
			sb.WriteString(": ")
			sb.WriteString(d)
		}
		sb.WriteByte('\n')
	}
	ins := o.PromptInstructions
	if ins == "" {
		ins = defaultInstructions
	}
	return &bridge{
		id:           id,
		labels:       o.Labels,
		labelsBlock:  strings.TrimRight(sb.String(), "\n"),
		instructions: ins,
		mode:         mode,
		strategy:     consolidate.LabelScores{Labels: o.Labels, Extract: parseScores},
	}
}

func (b *bridge) PromptTemplate() string {
	return b.instructions + "\n\nLabels:\n{{.labels}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{Kind: contract.KindLabels, Labels: b.labels}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("classification: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		out = append(out, contract.Values{"labels": b.labelsBlock})
	}
	return out, nil
}

func (b *bridge) Consolidate(results []contract.Raw, offsets []contract.Span) ([]any, error) {
	dists, err := b.strategy.Consolidate(results, offsets)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(dists))
	for i, d := range dists {
		out[i] = d
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

// parseScores 解析单分块结果 {"scores":{label:number}}。
func parseScores(raw contract.Raw) (map[string]float64, error) {
	var v struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("classification: %w: %v", contract.ErrResponseInvalid, err)
	}
	return v.Scores, nil
}
