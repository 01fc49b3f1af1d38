// Package qa 提供问答任务：按固定有序问题表逐分块作答，
// 每问题合并为单条答案。
package qa

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

const defaultInstructions = "Answer each question using only information found in the text. If the text does not answer a question, omit it. Report a confidence score from 0.0 to 1.0 per answer."

// Options: 任务配置。
type Options struct {
	// Questions: 固定有序问题表（必填）。
	Questions []string `json:"questions"`
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
func (t *Task) Produces() contract.Kind { return contract.KindQA }

// New 构造问答任务。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil || len(o.Questions) == 0 {
		return nil, fmt.Errorf("qa: empty question list: %w", contract.ErrInvalidInput)
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("qa: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
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
	id             contract.TaskID
	questions      []string
	questionsBlock string
	instructions   string
	mode           contract.InferenceMode
	strategy       consolidate.QA
}

func newBridge(id contract.TaskID, o *Options, mode contract.InferenceMode) *bridge {
	ins := o.PromptInstructions
	if ins == "" {
		ins = defaultInstructions
	}
	return &bridge{
		id:             id,
		questions:      o.Questions,
		questionsBlock: "- " + strings.Join(o.Questions, "\n- "),
		instructions:   ins,
		mode:           mode,
		strategy:       consolidate.QA{Questions: o.Questions, Extract: parseAnswers},
	}
}

func (b *bridge) PromptTemplate() string {
	return b.instructions + "\n\nQuestions:\n{{.questions}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{Kind: contract.KindQA, Questions: b.questions}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("qa: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		out = append(out, contract.Values{"questions": b.questionsBlock})
	}
	return out, nil
}

func (b *bridge) Consolidate(results []contract.Raw, offsets []contract.Span) ([]any, error) {
	merged, err := b.strategy.Consolidate(results, offsets)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(merged))
	for i, m := range merged {
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

// parseAnswers 解析单分块结果 {"answers":[{question,answer,score?}]}。
func parseAnswers(raw contract.Raw) ([]contract.Answer, error) {
	var v struct {
		Answers []contract.Answer `json:"answers"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("qa: %w: %v", contract.ErrResponseInvalid, err)
	}
	return v.Answers, nil
}
