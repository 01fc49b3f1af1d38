package contract

import (
	"encoding/json"
	"fmt"
)

// FieldType: 记录字段的标量类型。
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
)

// Field: 记录字段模式（信息抽取）。
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// Signature: 可复用的输出形状描述符。
// 以显式值替代“每次调用动态构造类型”：引擎据此约束解码
// （例如“N 个字符串之一”“带类型字段的记录”），桥接据此解析结果。
// 仅 Kind 对应的字段有效，其余保持零值。
type Signature struct {
	Kind      Kind     `json:"kind"`
	Labels    []string `json:"labels,omitempty"`    // KindLabels: 封闭标签集（声明顺序即排序平局顺序）
	Fields    []Field  `json:"fields,omitempty"`    // KindEntity/KindEntityList: 记录字段模式
	Questions []string `json:"questions,omitempty"` // KindQA: 固定有序问题表
	Aspects   []string `json:"aspects,omitempty"`   // KindAspects: 固定方面键集
	Relations []string `json:"relations,omitempty"` // KindTriplets: 封闭关系集
	// EntityTypes: KindTriplets 的实体类型集；空表示不设限。
	EntityTypes []string `json:"entity_types,omitempty"`
}

// Validate 校验描述符自洽性。
func (s Signature) Validate() error {
	switch s.Kind {
	case KindLabels:
		if len(s.Labels) == 0 {
			return fmt.Errorf("signature: %w: empty label set", ErrInvalidInput)
		}
	case KindQA:
		if len(s.Questions) == 0 {
			return fmt.Errorf("signature: %w: empty question list", ErrInvalidInput)
		}
	case KindAspects:
		if len(s.Aspects) == 0 {
			return fmt.Errorf("signature: %w: empty aspect set", ErrInvalidInput)
		}
	case KindTriplets:
		if len(s.Relations) == 0 {
			return fmt.Errorf("signature: %w: empty relation set", ErrInvalidInput)
		}
	case KindEntity, KindEntityList, KindText:
		// Fields 可空（NER 使用内置实体模式）。
	default:
		return fmt.Errorf("signature: %w: unknown kind %q", ErrInvalidInput, s.Kind)
	}
	return nil
}

// JSONSchema 将描述符转为 JSON Schema（供支持受限解码的引擎使用）。
// 形状与各任务桥接的解析模式一一对应。
func (s Signature) JSONSchema() json.RawMessage {
	switch s.Kind {
	case KindLabels:
		return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{"scores":{"type":"object","properties":%s,"additionalProperties":false}},"required":["scores"],"additionalProperties":false}`, labelProps(s.Labels)))
	case KindEntity, KindEntityList:
		item := entitySchema(s.Fields)
		if s.Kind == KindEntity {
			return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{"entity":%s},"additionalProperties":false}`, item))
		}
		return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{"entities":{"type":"array","items":%s}},"required":["entities"],"additionalProperties":false}`, item))
	case KindTriplets:
		item := tripletSchema(s.Relations, s.EntityTypes)
		return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{"triplets":{"type":"array","items":%s}},"required":["triplets"],"additionalProperties":false}`, item))
	case KindText:
		return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"},"score":{"type":"number"}},"required":["text"],"additionalProperties":false}`)
	case KindQA:
		return json.RawMessage(`{"type":"object","properties":{"answers":{"type":"array","items":{"type":"object","properties":{"question":{"type":"string"},"answer":{"type":"string"},"score":{"type":"number"}},"required":["question","answer"],"additionalProperties":false}}},"required":["answers"],"additionalProperties":false}`)
	case KindAspects:
		return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":{"aspects":{"type":"object","properties":%s,"additionalProperties":false},"overall":{"type":"number"}},"required":["aspects"],"additionalProperties":false}`, labelProps(s.Aspects)))
	}
	return json.RawMessage(`{"type":"object"}`)
}

func labelProps(keys []string) string {
	props := make(map[string]any, len(keys))
	for _, k := range keys {
		props[k] = map[string]string{"type": "number"}
	}
	b, _ := json.Marshal(props)
	return string(b)
}

func tripletSchema(relations, entityTypes []string) string {
	relSchema := map[string]any{"type": "string"}
	if len(relations) > 0 {
		relSchema["enum"] = relations
	}
	typeSchema := map[string]any{"type": "string"}
	if len(entityTypes) > 0 {
		typeSchema["enum"] = entityTypes
	}
	endpoint := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]string{"type": "string"},
			"type": typeSchema,
		},
		"required":             []string{"text", "type"},
		"additionalProperties": false,
	}
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"head":     endpoint,
			"relation": relSchema,
			"tail":     endpoint,
			"score":    map[string]string{"type": "number"},
		},
		"required":             []string{"head", "relation", "tail"},
		"additionalProperties": false,
	}
	b, _ := json.Marshal(item)
	return string(b)
}

func entitySchema(fields []Field) string {
	if len(fields) == 0 {
		// 内置 NER 实体模式。
		return `{"type":"object","properties":{"text":{"type":"string"},"start":{"type":"integer"},"end":{"type":"integer"},"type":{"type":"string"},"score":{"type":"number"}},"required":["text","start","end","type"],"additionalProperties":false}`
	}
	props := make(map[string]any, len(fields)+1)
	req := make([]string, 0, len(fields))
	for _, f := range fields {
		t := "string"
		switch f.Type {
		case FieldInt:
			t = "integer"
		case FieldFloat:
			t = "number"
		}
		props[f.Name] = map[string]string{"type": t}
		req = append(req, f.Name)
	}
	props["score"] = map[string]string{"type": "number"}
	pb, _ := json.Marshal(props)
	rb, _ := json.Marshal(req)
	return fmt.Sprintf(`{"type":"object","properties":%s,"required":%s,"additionalProperties":false}`, pb, rb)
}
