package contract

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// TestDocClone 验证深拷贝独立性。
func TestDocClone(t *testing.T) {
	score := 0.5
	d := &Doc{
		ID:     "d1",
		Text:   "hello world",
		Chunks: []string{"hello", "world"},
		Meta:   Meta{"lang": "en"},
		Results: map[TaskID]any{
			"t1": TextResult{Text: "hi", Score: &score},
		},
	}
	c := d.Clone()
	c.Text = "changed"
	c.Chunks[0] = "CHANGED"
	c.Meta["lang"] = "de"
	c.Results["t2"] = "new"

	if d.Text != "hello world" {
		t.Fatalf("克隆后原文档 Text 被修改: %q", d.Text)
	}
	if d.Chunks[0] != "hello" {
		t.Fatalf("克隆后原文档 Chunks 被修改: %q", d.Chunks[0])
	}
	if d.Meta["lang"] != "en" {
		t.Fatalf("克隆后原文档 Meta 被修改: %q", d.Meta["lang"])
	}
	if _, ok := d.Results["t2"]; ok {
		t.Fatalf("克隆后原文档 Results 被修改")
	}
	if (*Doc)(nil).Clone() != nil {
		t.Fatalf("nil 克隆应返回 nil")
	}
}

// TestChunksOrText 验证无分块时以 [Text] 兜底。
func TestChunksOrText(t *testing.T) {
	d := &Doc{Text: "abc"}
	got := d.ChunksOrText()
	if len(got) != 1 || got[0] != "abc" {
		t.Fatalf("兜底分块不符: %v", got)
	}
	d.Chunks = []string{"a", "bc"}
	if got := d.ChunksOrText(); len(got) != 2 {
		t.Fatalf("分块应原样返回: %v", got)
	}
}

// TestEntityKey 验证实体身份忽略 Score。
func TestEntityKey(t *testing.T) {
	s1, s2 := 0.9, 0.1
	a := Entity{Text: "Paris", Start: 0, End: 5, Type: "LOC", Score: &s1}
	b := Entity{Text: "Paris", Start: 0, End: 5, Type: "LOC", Score: &s2}
	c := Entity{Text: "Paris", Start: 6, End: 11, Type: "LOC", Score: &s1}
	if a.Key() != b.Key() {
		t.Fatalf("同身份不同分数的实体键不一致")
	}
	if a.Key() == c.Key() {
		t.Fatalf("不同偏移的实体键不应相等")
	}
}

// TestRecordKey 验证记录身份键的确定性（map 键有序序列化）。
func TestRecordKey(t *testing.T) {
	r1 := Record{Fields: map[string]any{"name": "Ada", "year": 1815}}
	r2 := Record{Fields: map[string]any{"year": 1815, "name": "Ada"}}
	if r1.Key() != r2.Key() {
		t.Fatalf("等价字段的记录键不一致: %q vs %q", r1.Key(), r2.Key())
	}
}

// TestTripletKey 验证三元组身份忽略 Score。
func TestTripletKey(t *testing.T) {
	s1, s2 := 0.9, 0.1
	a := Triplet{Head: TripletEntity{Text: "Ada", Type: "PERSON"}, Relation: "works_at", Tail: TripletEntity{Text: "Acme", Type: "ORG"}, Score: &s1}
	b := Triplet{Head: TripletEntity{Text: "Ada", Type: "PERSON"}, Relation: "works_at", Tail: TripletEntity{Text: "Acme", Type: "ORG"}, Score: &s2}
	c := Triplet{Head: TripletEntity{Text: "Ada", Type: "PERSON"}, Relation: "lives_in", Tail: TripletEntity{Text: "Acme", Type: "ORG"}}
	if a.Key() != b.Key() {
		t.Fatalf("同身份不同分数的三元组键不一致")
	}
	if a.Key() == c.Key() {
		t.Fatalf("不同关系的三元组键不应相等")
	}
}

// TestSignatureValidate 验证描述符校验。
func TestSignatureValidate(t *testing.T) {
	cases := []struct {
		name string
		sig  Signature
		ok   bool
	}{
		{"labels-ok", Signature{Kind: KindLabels, Labels: []string{"a"}}, true},
		{"labels-empty", Signature{Kind: KindLabels}, false},
		{"qa-empty", Signature{Kind: KindQA}, false},
		{"aspects-ok", Signature{Kind: KindAspects, Aspects: []string{"x"}}, true},
		{"triplets-ok", Signature{Kind: KindTriplets, Relations: []string{"works_at"}}, true},
		{"triplets-empty", Signature{Kind: KindTriplets}, false},
		{"text-ok", Signature{Kind: KindText}, true},
		{"unknown", Signature{Kind: Kind("bogus")}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.sig.Validate()
			if c.ok && err != nil {
				t.Fatalf("应通过校验: %v", err)
			}
			if !c.ok && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("应返回 ErrInvalidInput: %v", err)
			}
		})
	}
}

// TestSignatureJSONSchema 验证生成的 schema 为合法 JSON 且含预期键。
func TestSignatureJSONSchema(t *testing.T) {
	sigs := []Signature{
		{Kind: KindLabels, Labels: []string{"science", "politics"}},
		{Kind: KindEntityList},
		{Kind: KindEntityList, Fields: []Field{{Name: "name", Type: FieldString}, {Name: "year", Type: FieldInt}}},
		{Kind: KindTriplets, Relations: []string{"works_at"}, EntityTypes: []string{"PERSON", "ORG"}},
		{Kind: KindText},
		{Kind: KindQA, Questions: []string{"Q1"}},
		{Kind: KindAspects, Aspects: []string{"food"}},
	}
	for _, sig := range sigs {
		var v map[string]any
		if err := json.Unmarshal(sig.JSONSchema(), &v); err != nil {
			t.Fatalf("kind=%s schema 非法 JSON: %v", sig.Kind, err)
		}
		if v["type"] != "object" {
			t.Fatalf("kind=%s schema 顶层类型应为 object", sig.Kind)
		}
	}

	tri := string(Signature{Kind: KindTriplets, Relations: []string{"works_at"}, EntityTypes: []string{"ORG"}}.JSONSchema())
	if !strings.Contains(tri, `"enum":["works_at"]`) {
		t.Fatalf("关系集应进入枚举约束: %s", tri)
	}
	if !strings.Contains(tri, `"enum":["ORG"]`) {
		t.Fatalf("类型集应进入枚举约束: %s", tri)
	}
	open := string(Signature{Kind: KindTriplets, Relations: []string{"r"}}.JSONSchema())
	if strings.Count(open, "enum") != 1 {
		t.Fatalf("空类型集不应产生类型枚举: %s", open)
	}
}

// Equal: 克隆体等价；任一字段偏离即不等价。
func TestDocEqual(t *testing.T) {
	d := &Doc{
		ID:     "d1",
		Text:   "ab",
		Chunks: []string{"a", "b"},
		Meta:   Meta{"lang": "en"},
		Results: map[TaskID]any{
			"cls": []LabelScore{{Label: "science", Score: 0.9}},
		},
	}
	if !d.Equal(d.Clone()) {
		t.Fatalf("克隆体应等价")
	}
	mod := d.Clone()
	mod.Text = "xy"
	if d.Equal(mod) {
		t.Fatalf("正文偏离应不等价")
	}
	mod = d.Clone()
	mod.Results["cls"] = []LabelScore{{Label: "science", Score: 0.1}}
	if d.Equal(mod) {
		t.Fatalf("结果偏离应不等价")
	}
	mod = d.Clone()
	mod.Meta["lang"] = "fr"
	if d.Equal(mod) {
		t.Fatalf("元信息偏离应不等价")
	}
	var nilDoc *Doc
	if nilDoc.Equal(d) || d.Equal(nil) {
		t.Fatalf("nil 语义不符")
	}
	if !nilDoc.Equal(nil) {
		t.Fatalf("双 nil 应等价")
	}
}
