package contract

import (
	"encoding/json"
	"fmt"
)

// 任务结果类型。每种任务把其中一种写入 Doc.Results[taskID]。

// LabelScore: 单个标签及其平均得分。
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Entity: 类型化实体（NER）。
// 身份：除 Score 外全部字段相等即视为同一实体（去重/投票均忽略置信度）。
type Entity struct {
	Text  string   `json:"text"`
	Start int      `json:"start"`
	End   int      `json:"end"`
	Type  string   `json:"type"`
	Score *float64 `json:"score,omitempty"`
}

// Key 返回实体身份键（不含 Score）。
func (e Entity) Key() string {
	return fmt.Sprintf("%d\x1f%d\x1f%s\x1f%s", e.Start, e.End, e.Text, e.Type)
}

// Record: 按字段模式抽取的自定义记录（信息抽取）。
// 身份：Fields 的规范化 JSON（键有序），不含 Score。
type Record struct {
	Fields map[string]any `json:"fields"`
	Score  *float64       `json:"score,omitempty"`
}

// Key 返回记录身份键。encoding/json 对 map 键排序，序列化结果确定。
func (r Record) Key() string {
	b, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Sprintf("%v", r.Fields)
	}
	return string(b)
}

// TripletEntity: 关系三元组的端点实体。
type TripletEntity struct {
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
}

// Triplet: 头实体-关系-尾实体三元组（关系抽取）。
// 身份：除 Score 外全部字段相等即视为同一三元组。
type Triplet struct {
	Head     TripletEntity `json:"head"`
	Relation string        `json:"relation"`
	Tail     TripletEntity `json:"tail"`
	Score    *float64      `json:"score,omitempty"`
}

// Key 返回三元组身份键（不含 Score）。
func (t Triplet) Key() string {
	return fmt.Sprintf("%s\x1f%s\x1f%s\x1f%s\x1f%s",
		t.Head.Text, t.Head.Type, t.Relation, t.Tail.Text, t.Tail.Type)
}

// TextResult: 自由文本结果（摘要/翻译/脱敏）。
type TextResult struct {
	Text  string   `json:"text"`
	Score *float64 `json:"score,omitempty"`
}

// Answer: 单个问题的合并答案。
type Answer struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Score    *float64 `json:"score,omitempty"`
}

// AspectScores: 方面→得分映射与可选整体得分（情感分析）。
type AspectScores struct {
	Scores  map[string]float64 `json:"scores"`
	Overall *float64           `json:"overall,omitempty"`
}

// Kind: 任务结果形状标签；流水线可选的链式类型检查依据。
type Kind string

const (
	KindLabels     Kind = "labels"
	KindEntity     Kind = "entity"
	KindEntityList Kind = "entity_list"
	KindTriplets   Kind = "triplets"
	KindText       Kind = "text"
	KindQA         Kind = "qa"
	KindAspects    Kind = "aspects"
)
