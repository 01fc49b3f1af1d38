// Package ner 提供命名实体识别任务：每文档产出按身份去重的
// 类型化实体列表，得分为同一实体各次出现的均值。
package ner

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

const defaultInstructions = "Extract every named entity of the requested types from the text. Report each entity's surface text, character offsets within the text, type, and a confidence score from 0.0 to 1.0."

// Options: 任务配置。
type Options struct {
	// Types: 要识别的实体类型（如 PERSON、LOCATION）。空表示不限类型。
	Types []string `json:"types,omitempty"`
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
func (t *Task) Produces() contract.Kind { return contract.KindEntityList }

// New 构造 NER 任务。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil {
		o = &Options{}
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("ner: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
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
	types        []string
	instructions string
	mode         contract.InferenceMode
	strategy     consolidate.MultiEntity[contract.Entity]
}

func newBridge(id contract.TaskID, o *Options, mode contract.InferenceMode) *bridge {
	ins := o.PromptInstructions
	if ins == "" {
		ins = defaultInstructions
	}
	return &bridge{
		id:           id,
		types:        o.Types,
		instructions: ins,
		mode:         mode,
		strategy: consolidate.MultiEntity[contract.Entity]{
			Extract: parseEntities,
			Key:     contract.Entity.Key,
			Score:   func(e contract.Entity) *float64 { return e.Score },
			Rescore: func(e contract.Entity, s *float64) contract.Entity { e.Score = s; return e },
		},
	}
}

func (b *bridge) PromptTemplate() string {
	if len(b.types) == 0 {
		return b.instructions + "\n\nText:\n{{.text}}"
	}
	return b.instructions + "\n\nEntity types:\n{{.types}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{Kind: contract.KindEntityList}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("ner: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		v := contract.Values{}
		if len(b.types) > 0 {
			v["types"] = strings.Join(b.types, ", ")
		}
		out = append(out, v)
	}
	return out, nil
}

func (b *bridge) Consolidate(results []contract.Raw, offsets []contract.Span) ([]any, error) {
	lists, err := b.strategy.Consolidate(results, offsets)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(lists))
	for i, l := range lists {
		out[i] = l
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

// parseEntities 解析单分块结果 {"entities":[{text,start,end,type,score?}]}。
func parseEntities(raw contract.Raw) ([]contract.Entity, error) {
	var v struct {
		Entities []contract.Entity `json:"entities"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("ner: %w: %v", contract.ErrResponseInvalid, err)
	}
	return v.Entities, nil
}
