// Package extraction 提供结构化信息抽取任务：按调用方声明的字段模式
// 抽取自定义记录。multi 模式跨分块按字段身份去重；single 模式每文档
// 多数投票选出恰好一条记录（可为空）。
// 依赖受 schema 约束的解码，目前仅注册 openai 方言。
package extraction

import (
	"encoding/json"
	"fmt"
	"strings"

	"docsift/internal/consolidate"
	"docsift/internal/diag"
	"docsift/internal/taskrun"
	"docsift/pkg/contract"
	engopenai "docsift/plugins/engine/openai"
)

const (
	defaultInstructions       = "Extract every record matching the requested fields from the text. Report each record's fields exactly as named, plus a confidence score from 0.0 to 1.0."
	defaultSingleInstructions = "Extract the one record matching the requested fields that best describes the text. Report its fields exactly as named, plus a confidence score from 0.0 to 1.0."
)

// Options: 任务配置。
type Options struct {
	// Fields: 记录字段模式（必填）。
	Fields []contract.Field `json:"fields"`
	// Mode: "multi"（默认）每文档产出去重记录列表；
	// "single" 每文档多数投票产出至多一条记录。
	Mode string `json:"mode,omitempty"`
	// PromptInstructions: 覆盖默认任务指令。
	PromptInstructions string `json:"prompt_instructions,omitempty"`
	// Fewshot: 少样本示例。
	Fewshot []contract.Example `json:"fewshot,omitempty"`
	// Filter: 程序化过滤谓词；不参与 JSON 配置。
	Filter contract.Predicate `json:"-"`
}

// 仅 openai：记录字段的动态 schema 需要受限解码。
var bridges = map[contract.Backend]func(id contract.TaskID, o *Options) contract.Bridge{
	contract.BackendOpenAI: func(id contract.TaskID, o *Options) contract.Bridge {
		return newBridge(id, o, engopenai.ModeJSONSchema)
	},
}

// Task 实现 contract.Task 与 contract.Chainable。
type Task struct {
	*taskrun.Runner
	kind contract.Kind
}

func (t *Task) Consumes() contract.Kind { return "" }
func (t *Task) Produces() contract.Kind { return t.kind }

// New 构造抽取任务。
func New(id contract.TaskID, eng contract.Engine, o *Options, log *diag.Logger) (*Task, error) {
	if o == nil || len(o.Fields) == 0 {
		return nil, fmt.Errorf("extraction: empty field schema: %w", contract.ErrInvalidInput)
	}
	kind, err := kindOf(o.Mode)
	if err != nil {
		return nil, err
	}
	mk, ok := bridges[eng.Backend()]
	if !ok {
		return nil, fmt.Errorf("extraction: backend %q: %w", eng.Backend(), contract.ErrBackendUnsupported)
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
	return &Task{Runner: r, kind: kind}, nil
}

// kindOf 把模式名映射到结果形状。
func kindOf(mode string) (contract.Kind, error) {
	switch mode {
	case "", "multi":
		return contract.KindEntityList, nil
	case "single":
		return contract.KindEntity, nil
	default:
		return "", fmt.Errorf("extraction: unknown mode %q: %w", mode, contract.ErrInvalidInput)
	}
}

type bridge struct {
	id           contract.TaskID
	fields       []contract.Field
	fieldsBlock  string
	instructions string
	mode         contract.InferenceMode
	kind         contract.Kind
	multi        consolidate.MultiEntity[contract.Record]
	single       consolidate.SingleEntity[contract.Record]
}

func newBridge(id contract.TaskID, o *Options, mode contract.InferenceMode) *bridge {
	var sb strings.Builder
	names := make(map[string]struct{}, len(o.Fields))
	for _, f := range o.Fields {
		names[f.Name] = struct{}{}
		fmt.Fprintf(&sb, "- %s (%s)\n", f.Name, f.Type)
	}
	kind, _ := kindOf(o.Mode)
	ins := o.PromptInstructions
	if ins == "" {
		ins = defaultInstructions
		if kind == contract.KindEntity {
			ins = defaultSingleInstructions
		}
	}
	score := func(r contract.Record) *float64 { return r.Score }
	rescore := func(r contract.Record, s *float64) contract.Record { r.Score = s; return r }
	return &bridge{
		id:           id,
		fields:       o.Fields,
		fieldsBlock:  strings.TrimRight(sb.String(), "\n"),
		instructions: ins,
		mode:         mode,
		kind:         kind,
		multi: consolidate.MultiEntity[contract.Record]{
			Extract: parseRecords(names),
			Key:     contract.Record.Key,
			Score:   score,
			Rescore: rescore,
		},
		single: consolidate.SingleEntity[contract.Record]{
			Extract: parseRecord(names),
			Key:     contract.Record.Key,
			Score:   score,
			Rescore: rescore,
		},
	}
}

func (b *bridge) PromptTemplate() string {
	return b.instructions + "\n\nFields:\n{{.fields}}\n\nText:\n{{.text}}"
}

func (b *bridge) Signature() contract.Signature {
	return contract.Signature{Kind: b.kind, Fields: b.fields}
}

func (b *bridge) InferenceMode() contract.InferenceMode { return b.mode }

func (b *bridge) Extract(docs []*contract.Doc) ([]contract.Values, error) {
	out := make([]contract.Values, 0, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" && len(d.Chunks) == 0 {
			return nil, fmt.Errorf("extraction: doc %s: %w", d.ID, contract.ErrMissingText)
		}
		out = append(out, contract.Values{"fields": b.fieldsBlock})
	}
	return out, nil
}

func (b *bridge) Consolidate(results []contract.Raw, offsets []contract.Span) ([]any, error) {
	if b.kind == contract.KindEntity {
		winners, err := b.single.Consolidate(results, offsets)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(winners))
		for i, w := range winners {
			if w != nil {
				out[i] = *w
			}
		}
		return out, nil
	}
	lists, err := b.multi.Consolidate(results, offsets)
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

// parseRecords 解析单分块结果 {"entities":[{字段…, "score"?}]}；
// 仅保留声明过的字段，"score" 单独提取为置信度。
func parseRecords(names map[string]struct{}) func(contract.Raw) ([]contract.Record, error) {
	return func(raw contract.Raw) ([]contract.Record, error) {
		var v struct {
			Entities []map[string]any `json:"entities"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("extraction: %w: %v", contract.ErrResponseInvalid, err)
		}
		out := make([]contract.Record, 0, len(v.Entities))
		for _, e := range v.Entities {
			out = append(out, toRecord(e, names))
		}
		return out, nil
	}
}

// parseRecord 解析单分块结果 {"entity":{字段…, "score"?}}；
// entity 缺失或为 null 视为该分块无记录。
func parseRecord(names map[string]struct{}) func(contract.Raw) (*contract.Record, error) {
	return func(raw contract.Raw) (*contract.Record, error) {
		var v struct {
			Entity map[string]any `json:"entity"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("extraction: %w: %v", contract.ErrResponseInvalid, err)
		}
		if v.Entity == nil {
			return nil, nil
		}
		rec := toRecord(v.Entity, names)
		return &rec, nil
	}
}

func toRecord(e map[string]any, names map[string]struct{}) contract.Record {
	rec := contract.Record{Fields: make(map[string]any, len(e))}
	for k, val := range e {
		if k == "score" {
			if f, ok := val.(float64); ok {
				s := f
				rec.Score = &s
			}
			continue
		}
		if _, declared := names[k]; declared {
			rec.Fields[k] = val
		}
	}
	return rec
}
