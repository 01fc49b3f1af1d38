// Package relations 提供关系抽取任务：在封闭关系集内抽取
// 头实体-关系-尾实体三元组，跨分块按三元组身份去重。
package relations

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

const defaultInstructions = "Extract relations between entities from the text. For each relation report the head entity (surface text and type), the relation label, the tail entity (surface text and type), and a confidence score from 0.0 to 1.0. Only use the listed relation labels."

// Options: 任务配置。
type Options struct {
	// Relations: 封闭关系标签集（必填）。
	Relations []string `json:"relations"`
	// RelationDescriptions: 关系标签→说明，附在提示中。键须属于 Relations。
	RelationDescriptions map[string]string `json:"relation_descriptions,omitempty"`
	// EntityTypes: 端点实体类型集；空表示不设限。
	EntityTypes []string `json:"entity_types,omitempty"`
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
func (t *Task) Produces() contract.Kind { return contract.KindTriplets }

// New 构造关系抽取任务。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil || len(o.Relations) == 0 {
		return nil, fmt.Errorf("relations: empty relation set: %w", contract.ErrInvalidInput)
	}
	for k := range o.RelationDescriptions {
		found := false
		for _, r := range o.Relations {
			if r == k {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("relations: description for undeclared relation %q: %w", k, contract.ErrInvalidInput)
		}
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("relations: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
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
	relations      []string
	entityTypes    []string
	relationsBlock string
	typesBlock     string
	instructions   string
	mode           contract.InferenceMode
	strategy       consolidate.MultiEntity[contract.Triplet]
}

func newBridge(id contract.TaskID, o *Options, mode contract.InferenceMode) *bridge {
	var sb strings.Builder
	for _, r := range o.Relations {
		if desc, ok := o.RelationDescriptions[r]; ok {
			fmt.Fprintf(&sb, "- %s: %s\n", r, desc)
		} else {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
	}
	types := "Unbounded"
	if len(o.EntityTypes) > 0 {
		types = strings.Join(o.EntityTypes, ", ")
	}
	ins := o.PromptInstructions
	if ins == "" {
		ins = defaultInstructions
	}
	return &bridge{
		id:             id,
		relations:      o.Relations,
		entityTypes:    o.EntityTypes,
		relationsBlock: strings.TrimRight(sb.String(), "\n"),
		typesBlock:     types,
		instructions:   ins,
		mode:           mode,
		strategy: consolidate.MultiEntity[contract.Triplet]{
			Extract: parseTriplets,
			Key:     contract.Triplet.Key,
			Score:   func(t contract.Triplet) *float64 { return t.Score },
			Rescore: func(t contract.Triplet, s *float64) contract.Triplet { t.Score = s; return t },
		},
	}
}

func (b *bridge) PromptTemplate() string {
	return b.instructions + "\n\nRelations:\n{{.relations}}\n\nEntity types:\n{{.entity_types}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{
		Kind:        contract.KindTriplets,
		Relations:   b.relations,
		EntityTypes: b.entityTypes,
	}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("relations: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		out = append(out, contract.Values{
			"relations":    b.relationsBlock,
			"entity_types": b.typesBlock,
		})
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

// parseTriplets 解析单分块结果 {"triplets":[{head,relation,tail,score?}]}。
func parseTriplets(raw contract.Raw) ([]contract.Triplet, error) {
	var v struct {
		Triplets []contract.Triplet `json:"triplets"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("relations: %w: %v", contract.ErrResponseInvalid, err)
	}
	return v.Triplets, nil
}
