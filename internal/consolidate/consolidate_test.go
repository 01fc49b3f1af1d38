package consolidate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"

	"docsift/pkg/contract"
)

func fp(v float64) *float64 { return &v }

// 测试用抽取器 ----------------------------------------------------

func labelExtract(raw contract.Raw) (map[string]float64, error) {
	var m map[string]float64
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type ent struct {
	Name  string
	Score *float64
}

func entOps() (func(ent) string, func(ent) *float64, func(ent, *float64) ent) {
	return func(e ent) string { return e.Name },
		func(e ent) *float64 { return e.Score },
		func(e ent, s *float64) ent { return ent{Name: e.Name, Score: s} }
}

func rawEnt(name string, score *float64) contract.Raw {
	b, _ := json.Marshal(ent{Name: name, Score: score})
	return contract.Raw(b)
}

func singleExtract(raw contract.Raw) (*ent, error) {
	var e ent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	if e.Name == "" {
		return nil, nil
	}
	return &e, nil
}

func multiExtract(raw contract.Raw) ([]ent, error) {
	var es []ent
	if err := json.Unmarshal(raw, &es); err != nil {
		return nil, err
	}
	return es, nil
}

func almostEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// 标签分布 ----------------------------------------------------

// 规约场景 A：两分块分类 → 平均后降序。
func TestLabelScoresAverage(t *testing.T) {
	s := LabelScores{Labels: []string{"science", "politics"}, Extract: labelExtract}
	results := []contract.Raw{
		contract.Raw(`{"science":0.8,"politics":0.2}`),
		contract.Raw(`{"science":0.4,"politics":0.6}`),
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 2}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	got := out[0]
	if got[0].Label != "science" || !almostEq(got[0].Score, 0.6) {
		t.Fatalf("首位应为 science=0.6: %+v", got)
	}
	if got[1].Label != "politics" || !almostEq(got[1].Score, 0.4) {
		t.Fatalf("次位应为 politics=0.4: %+v", got)
	}
}

// 平局按标签声明顺序；未观测标签贡献 0；nil 分块跳过。
func TestLabelScoresTieAndNull(t *testing.T) {
	s := LabelScores{Labels: []string{"b", "a", "c"}, Extract: labelExtract}
	results := []contract.Raw{
		contract.Raw(`{"a":0.5,"b":0.5,"unknown":1.0}`),
		nil,
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 2}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	got := out[0]
	// n=2：a=b=0.25，平局时 b 先声明；c 未观测为 0。
	if got[0].Label != "b" || got[1].Label != "a" || got[2].Label != "c" {
		t.Fatalf("平局顺序错误: %+v", got)
	}
	if !almostEq(got[0].Score, 0.25) || !almostEq(got[2].Score, 0) {
		t.Fatalf("平均得分错误: %+v", got)
	}
}

// 性质：钳制后每分块贡献至多 1.0，全标签得分和 ≤ n；输出非递增。
func TestLabelScoresProperties(t *testing.T) {
	s := LabelScores{Labels: []string{"x", "y"}, Extract: labelExtract}
	results := []contract.Raw{
		contract.Raw(`{"x":5.0,"y":-3.0}`), // 钳制到 1 / 0
		contract.Raw(`{"x":0.7,"y":0.9}`),
		nil,
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 3}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	sum := 0.0
	prev := math.Inf(1)
	for _, ls := range out[0] {
		if ls.Score < 0 || ls.Score > 1 {
			t.Fatalf("得分越界: %+v", ls)
		}
		if ls.Score > prev {
			t.Fatalf("输出非降序: %+v", out[0])
		}
		prev = ls.Score
		sum += ls.Score * 3 // 还原为总和
	}
	if sum > 3.0+1e-9 {
		t.Fatalf("总和超过分块数: %v", sum)
	}
}

// 全 nil 区间产出全零分布而非错误。
func TestLabelScoresAllNull(t *testing.T) {
	s := LabelScores{Labels: []string{"a"}, Extract: labelExtract}
	out, err := s.Consolidate([]contract.Raw{nil, nil}, []contract.Span{{Start: 0, End: 2}})
	if err != nil {
		t.Fatalf("全 nil 区间不应报错: %v", err)
	}
	if !almostEq(out[0][0].Score, 0) {
		t.Fatalf("全 nil 区间应产出零分布: %+v", out[0])
	}
}

// 单实体投票 ----------------------------------------------------

// 规约场景 B：Paris(.9), Paris(.7), Berlin(.95) → Paris 0.8。
func TestSingleEntityMajority(t *testing.T) {
	key, score, rescore := entOps()
	s := SingleEntity[ent]{Extract: singleExtract, Key: key, Score: score, Rescore: rescore}
	results := []contract.Raw{
		rawEnt("Paris", fp(0.9)),
		rawEnt("Paris", fp(0.7)),
		rawEnt("Berlin", fp(0.95)),
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 3}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	w := out[0]
	if w == nil || w.Name != "Paris" {
		t.Fatalf("胜者应为 Paris: %+v", w)
	}
	if w.Score == nil || !almostEq(*w.Score, 0.8) {
		t.Fatalf("胜者得分应为 0.8: %+v", w.Score)
	}
}

// 平局取最早出现的身份；结果可复现。
func TestSingleEntityTieEarliestSeen(t *testing.T) {
	key, score, rescore := entOps()
	s := SingleEntity[ent]{Extract: singleExtract, Key: key, Score: score, Rescore: rescore}
	results := []contract.Raw{
		rawEnt("B", nil), rawEnt("A", nil), rawEnt("A", nil), rawEnt("B", nil),
	}
	for i := 0; i < 10; i++ {
		out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 4}})
		if err != nil {
			t.Fatalf("consolidate: %v", err)
		}
		if out[0] == nil || out[0].Name != "B" {
			t.Fatalf("第 %d 次: 平局应判给最早出现的 B: %+v", i, out[0])
		}
		if out[0].Score != nil {
			t.Fatalf("全空得分应产出 nil score: %+v", out[0])
		}
	}
}

// 空票多于任何身份时产出 nil；全 nil 区间产出 nil。
func TestSingleEntityNullMajority(t *testing.T) {
	key, score, rescore := entOps()
	s := SingleEntity[ent]{Extract: singleExtract, Key: key, Score: score, Rescore: rescore}

	t.Run("null-wins", func(t *testing.T) {
		results := []contract.Raw{nil, nil, rawEnt("A", fp(0.9))}
		out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 3}})
		if err != nil {
			t.Fatalf("consolidate: %v", err)
		}
		if out[0] != nil {
			t.Fatalf("空票占多时应产出 nil: %+v", out[0])
		}
	})
	t.Run("all-null", func(t *testing.T) {
		out, err := s.Consolidate([]contract.Raw{nil, nil}, []contract.Span{{Start: 0, End: 2}})
		if err != nil {
			t.Fatalf("全 nil 区间不应报错: %v", err)
		}
		if out[0] != nil {
			t.Fatalf("全 nil 区间应产出 nil")
		}
	})
}

// 多实体去重 ----------------------------------------------------

// 规约场景 C：[A(.5), B(.9), A(.9)] → {A:0.7, B:0.9}。
func TestMultiEntityDedup(t *testing.T) {
	key, score, rescore := entOps()
	s := MultiEntity[ent]{Extract: multiExtract, Key: key, Score: score, Rescore: rescore}
	b, _ := json.Marshal([]ent{{Name: "A", Score: fp(0.5)}, {Name: "B", Score: fp(0.9)}})
	b2, _ := json.Marshal([]ent{{Name: "A", Score: fp(0.9)}})
	out, err := s.Consolidate([]contract.Raw{b, b2}, []contract.Span{{Start: 0, End: 2}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	got := map[string]float64{}
	for _, e := range out[0] {
		if e.Score == nil {
			t.Fatalf("得分不应为 nil: %+v", e)
		}
		got[e.Name] = *e.Score
	}
	if len(got) != 2 || !almostEq(got["A"], 0.7) || !almostEq(got["B"], 0.9) {
		t.Fatalf("去重/平均错误: %v", got)
	}
}

// 性质：已去重列表再整合一次，身份与得分不变（幂等）。
func TestMultiEntityIdempotent(t *testing.T) {
	key, score, rescore := entOps()
	s := MultiEntity[ent]{Extract: multiExtract, Key: key, Score: score, Rescore: rescore}
	b, _ := json.Marshal([]ent{{Name: "A", Score: fp(0.7)}, {Name: "B", Score: fp(0.9)}, {Name: "C", Score: nil}})
	out, err := s.Consolidate([]contract.Raw{b}, []contract.Span{{Start: 0, End: 1}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if len(out[0]) != 3 {
		t.Fatalf("身份集合变化: %+v", out[0])
	}
	if out[0][0].Name != "A" || out[0][1].Name != "B" || out[0][2].Name != "C" {
		t.Fatalf("插入顺序变化: %+v", out[0])
	}
	if !almostEq(*out[0][0].Score, 0.7) || !almostEq(*out[0][1].Score, 0.9) || out[0][2].Score != nil {
		t.Fatalf("得分变化: %+v", out[0])
	}
}

// 文本整合 ----------------------------------------------------

func textExtract(raw contract.Raw) (string, *float64, error) {
	var v struct {
		Text  string   `json:"text"`
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", nil, err
	}
	return v.Text, v.Score, nil
}

// 性质：k 个非空分块文本以换行连接、Trim 后再切分得到恰好 k 段。
func TestTextJoinExactness(t *testing.T) {
	s := Text{Extract: textExtract}
	for k := 1; k <= 5; k++ {
		results := make([]contract.Raw, 0, k)
		for i := 0; i < k; i++ {
			results = append(results, contract.Raw(fmt.Sprintf(`{"text":"seg%d"}`, i)))
		}
		out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: k}})
		if err != nil {
			t.Fatalf("consolidate: %v", err)
		}
		parts := strings.Split(out[0].Text, "\n")
		if len(parts) != k {
			t.Fatalf("k=%d: 再切分得到 %d 段: %q", k, len(parts), out[0].Text)
		}
	}
}

func TestTextScoreAndNull(t *testing.T) {
	s := Text{Extract: textExtract}
	results := []contract.Raw{
		contract.Raw(`{"text":"a","score":0.4}`),
		nil,
		contract.Raw(`{"text":"b","score":0.8}`),
		contract.Raw(`{"text":"c"}`),
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 4}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if out[0].Text != "a\nb\nc" {
		t.Fatalf("连接结果错误: %q", out[0].Text)
	}
	if out[0].Score == nil || !almostEq(*out[0].Score, 0.6) {
		t.Fatalf("得分应为非空均值 0.6: %+v", out[0].Score)
	}

	empty, err := s.Consolidate([]contract.Raw{nil}, []contract.Span{{Start: 0, End: 1}})
	if err != nil {
		t.Fatalf("全 nil 区间不应报错: %v", err)
	}
	if empty[0].Text != "" || empty[0].Score != nil {
		t.Fatalf("全 nil 区间应产出空文本/nil 得分: %+v", empty[0])
	}
}

// 问答整合 ----------------------------------------------------

func qaExtract(raw contract.Raw) ([]contract.Answer, error) {
	var v struct {
		Answers []contract.Answer `json:"answers"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v.Answers, nil
}

// 规约场景 D：仅 Q1 被回答 → Q2 产出空答案与 nil 得分；顺序保持。
func TestQAUnansweredQuestion(t *testing.T) {
	s := QA{Questions: []string{"Q1", "Q2"}, Extract: qaExtract}
	results := []contract.Raw{
		contract.Raw(`{"answers":[{"question":"Q1","answer":"part one","score":0.5}]}`),
		contract.Raw(`{"answers":[{"question":"Q1","answer":"part two","score":0.7},{"question":"Q9","answer":"ignored"}]}`),
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 2}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	got := out[0]
	if len(got) != 2 {
		t.Fatalf("应逐问题产出: %+v", got)
	}
	if got[0].Question != "Q1" || got[0].Answer != "part one part two" {
		t.Fatalf("Q1 合并答案错误: %+v", got[0])
	}
	if got[0].Score == nil || !almostEq(*got[0].Score, 0.6) {
		t.Fatalf("Q1 得分错误: %+v", got[0].Score)
	}
	if got[1].Question != "Q2" || got[1].Answer != "" || got[1].Score != nil {
		t.Fatalf("未回答问题应产出空答案/nil 得分: %+v", got[1])
	}
}

// 方面映射 ----------------------------------------------------

func aspectExtract(raw contract.Raw) (map[string]float64, *float64, error) {
	var v struct {
		Aspects map[string]float64 `json:"aspects"`
		Overall *float64           `json:"overall"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, nil, err
	}
	return v.Aspects, v.Overall, nil
}

func TestAspectsAverage(t *testing.T) {
	s := Aspects{Keys: []string{"food", "service"}, Extract: aspectExtract}
	results := []contract.Raw{
		contract.Raw(`{"aspects":{"food":0.8,"service":0.2},"overall":0.6}`),
		contract.Raw(`{"aspects":{"food":0.4,"service":2.0,"bogus":1.0}}`),
		nil,
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 3}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	got := out[0]
	if !almostEq(got.Scores["food"], 0.4) { // (0.8+0.4)/3
		t.Fatalf("food 平均错误: %v", got.Scores["food"])
	}
	if !almostEq(got.Scores["service"], 0.4) { // (0.2+clamp(2.0))/3
		t.Fatalf("service 钳制/平均错误: %v", got.Scores["service"])
	}
	if _, ok := got.Scores["bogus"]; ok {
		t.Fatalf("未声明的键不应出现: %v", got.Scores)
	}
	if got.Overall == nil || !almostEq(*got.Overall, 0.6) {
		t.Fatalf("整体得分应为非空均值: %+v", got.Overall)
	}
}

func TestAspectsAllNull(t *testing.T) {
	s := Aspects{Keys: []string{"a"}, Extract: aspectExtract}
	out, err := s.Consolidate([]contract.Raw{nil}, []contract.Span{{Start: 0, End: 1}})
	if err != nil {
		t.Fatalf("全 nil 区间不应报错: %v", err)
	}
	if !almostEq(out[0].Scores["a"], 0) || out[0].Overall != nil {
		t.Fatalf("全 nil 区间应产出零映射/nil 整体得分: %+v", out[0])
	}
}

// 多区间切片 ----------------------------------------------------

// 偏移区间彼此独立：相邻文档的分块互不串扰。
func TestOffsetsIsolation(t *testing.T) {
	s := Text{Extract: textExtract}
	results := []contract.Raw{
		contract.Raw(`{"text":"d1c1"}`),
		contract.Raw(`{"text":"d1c2"}`),
		contract.Raw(`{"text":"d2c1"}`),
	}
	out, err := s.Consolidate(results, []contract.Span{{Start: 0, End: 2}, {Start: 2, End: 3}})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if len(out) != 2 || out[0].Text != "d1c1\nd1c2" || out[1].Text != "d2c1" {
		t.Fatalf("区间切片错误: %+v", out)
	}
}
