// Package consolidate 提供跨分块整合策略：把每个文档区间内的分块原始结果
// 合并为恰好一个文档级结果。
// 约束（对所有策略）：
//  1. 输入为展平结果表与文档偏移区间；每个区间产出恰好一个聚合值；
//  2. nil 条目表示该分块无信息，跳过且不中止；
//  3. 全 nil 区间产出空/中性聚合，不报错；
//  4. 结果形状不被抽取器识别属于编程错误，直接上抛；
//  5. 纯计算，无 I/O、无内部并发。
package consolidate

import (
	"sort"
	"strings"

	"docsift/pkg/contract"
)

// clamp01 把得分钳制到 [0,1]。
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// mean 返回均值；空集返回 nil。
func mean(xs []float64) *float64 {
	if len(xs) == 0 {
		return nil
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(len(xs))
	return &m
}

// LabelScores: 分类整合。
// 每分块抽取 标签→得分 映射；钳制到 [0,1] 后按标签求和、除以区间分块数 n；
// 输出按得分降序，平局按标签集声明顺序（稳定排序，先声明者胜）。
// 未观测到的标签贡献 0。
type LabelScores struct {
	Labels  []string
	Extract func(raw contract.Raw) (map[string]float64, error)
}

// Consolidate 每区间产出一份完整标签分布。
func (s LabelScores) Consolidate(results []contract.Raw, offsets []contract.Span) ([][]contract.LabelScore, error) {
	out := make([][]contract.LabelScore, 0, len(offsets))
	for _, sp := range offsets {
		sums := make(map[string]float64, len(s.Labels))
		for _, l := range s.Labels {
			sums[l] = 0
		}
		for _, raw := range results[sp.Start:sp.End] {
			if raw == nil {
				continue
			}
			scores, err := s.Extract(raw)
			if err != nil {
				return nil, err
			}
			for label, score := range scores {
				if _, known := sums[label]; known {
					sums[label] += clamp01(score)
				}
			}
		}
		n := sp.Len()
		dist := make([]contract.LabelScore, 0, len(s.Labels))
		for _, l := range s.Labels {
			avg := 0.0
			if n > 0 {
				avg = sums[l] / float64(n)
			}
			dist = append(dist, contract.LabelScore{Label: l, Score: avg})
		}
		sort.SliceStable(dist, func(i, j int) bool { return dist[i].Score > dist[j].Score })
		out = append(out, dist)
	}
	return out, nil
}

// SingleEntity: 单实体多数投票。
// nil 分块与“无实体”分块均以空票参与计票；胜者为出现次数最多的身份，
// 平局取最早出现（区间内最小分块下标）者；空票胜出则产出 nil。
// 胜者得分 = 其各次出现中非空得分的算术均值（全空为 nil）。
type SingleEntity[E any] struct {
	Extract func(raw contract.Raw) (*E, error)
	Key     func(e E) string
	Score   func(e E) *float64
	Rescore func(e E, score *float64) E
}

const nullKey = "\x00null"

// Consolidate 每区间产出至多一个胜者实体（可为 nil）。
func (s SingleEntity[E]) Consolidate(results []contract.Raw, offsets []contract.Span) ([]*E, error) {
	out := make([]*E, 0, len(offsets))
	for _, sp := range offsets {
		counts := make(map[string]int)
		firstSeen := make(map[string]int)
		byKey := make(map[string]E)
		scores := make(map[string][]float64)

		for i, raw := range results[sp.Start:sp.End] {
			key := nullKey
			var ent *E
			if raw != nil {
				e, err := s.Extract(raw)
				if err != nil {
					return nil, err
				}
				ent = e
			}
			if ent != nil {
				key = s.Key(*ent)
			}
			counts[key]++
			if _, seen := firstSeen[key]; !seen {
				firstSeen[key] = i
				if ent != nil {
					byKey[key] = *ent
				}
			}
			if ent != nil {
				if sc := s.Score(*ent); sc != nil {
					scores[key] = append(scores[key], *sc)
				}
			}
		}

		if len(counts) == 0 {
			out = append(out, nil)
			continue
		}
		maxCount := 0
		for _, c := range counts {
			if c > maxCount {
				maxCount = c
			}
		}
		winner := ""
		winnerSeen := -1
		for key, c := range counts {
			if c != maxCount {
				continue
			}
			if winnerSeen < 0 || firstSeen[key] < winnerSeen {
				winner = key
				winnerSeen = firstSeen[key]
			}
		}
		if winner == nullKey {
			out = append(out, nil)
			continue
		}
		e := s.Rescore(byKey[winner], mean(scores[winner]))
		out = append(out, &e)
	}
	return out, nil
}

// MultiEntity: 多实体去重 + 得分平均。
// 收集区间内所有非 nil 实体，按身份（忽略得分）分组；每个不同身份产出
// 一个实体，得分为该身份非空得分的均值（全空为 nil）；
// 输出顺序为首次出现的插入顺序；无投票/阈值，观测到即保留。
type MultiEntity[E any] struct {
	Extract func(raw contract.Raw) ([]E, error)
	Key     func(e E) string
	Score   func(e E) *float64
	Rescore func(e E, score *float64) E
}

// Consolidate 每区间产出去重后的实体列表（可为空）。
func (s MultiEntity[E]) Consolidate(results []contract.Raw, offsets []contract.Span) ([][]E, error) {
	out := make([][]E, 0, len(offsets))
	for _, sp := range offsets {
		order := make([]string, 0, 8)
		byKey := make(map[string]E)
		scores := make(map[string][]float64)

		for _, raw := range results[sp.Start:sp.End] {
			if raw == nil {
				continue
			}
			ents, err := s.Extract(raw)
			if err != nil {
				return nil, err
			}
			for _, e := range ents {
				key := s.Key(e)
				if _, seen := byKey[key]; !seen {
					byKey[key] = e
					order = append(order, key)
				}
				if sc := s.Score(e); sc != nil {
					scores[key] = append(scores[key], *sc)
				}
			}
		}

		dedup := make([]E, 0, len(order))
		for _, key := range order {
			dedup = append(dedup, s.Rescore(byKey[key], mean(scores[key])))
		}
		out = append(out, dedup)
	}
	return out, nil
}

// Text: 文本整合（摘要/翻译/脱敏）。
// 收集非 nil 的 (文本, 得分)；输出文本 = 以 Joiner 连接后 TrimSpace；
// 得分 = 非空得分均值（全空为 nil）。
type Text struct {
	Joiner  string // 为空时使用 "\n"
	Extract func(raw contract.Raw) (string, *float64, error)
}

// Consolidate 每区间产出一个文本结果。
func (s Text) Consolidate(results []contract.Raw, offsets []contract.Span) ([]contract.TextResult, error) {
	joiner := s.Joiner
	if joiner == "" {
		joiner = "\n"
	}
	out := make([]contract.TextResult, 0, len(offsets))
	for _, sp := range offsets {
		texts := make([]string, 0, sp.Len())
		var scores []float64
		for _, raw := range results[sp.Start:sp.End] {
			if raw == nil {
				continue
			}
			text, score, err := s.Extract(raw)
			if err != nil {
				return nil, err
			}
			texts = append(texts, text)
			if score != nil {
				scores = append(scores, *score)
			}
		}
		out = append(out, contract.TextResult{
			Text:  strings.TrimSpace(strings.Join(texts, joiner)),
			Score: mean(scores),
		})
	}
	return out, nil
}

// QA: 问答整合。
// 按固定有序问题表分组（仅保留可识别的问题）；每问题把收集到的答案以单个
// 空格连接并 TrimSpace，得分取非空均值；输出按原问题顺序逐一产出，
// 未被任何分块回答的问题产出空答案与 nil 得分。
type QA struct {
	Questions []string
	Extract   func(raw contract.Raw) ([]contract.Answer, error)
}

// Consolidate 每区间产出与问题表等长的答案列表。
func (s QA) Consolidate(results []contract.Raw, offsets []contract.Span) ([][]contract.Answer, error) {
	out := make([][]contract.Answer, 0, len(offsets))
	for _, sp := range offsets {
		answers := make(map[string][]string, len(s.Questions))
		scores := make(map[string][]float64, len(s.Questions))
		for _, q := range s.Questions {
			answers[q] = nil
		}
		for _, raw := range results[sp.Start:sp.End] {
			if raw == nil {
				continue
			}
			triples, err := s.Extract(raw)
			if err != nil {
				return nil, err
			}
			for _, tr := range triples {
				if _, known := answers[tr.Question]; !known {
					continue
				}
				answers[tr.Question] = append(answers[tr.Question], tr.Answer)
				if tr.Score != nil {
					scores[tr.Question] = append(scores[tr.Question], *tr.Score)
				}
			}
		}
		merged := make([]contract.Answer, 0, len(s.Questions))
		for _, q := range s.Questions {
			merged = append(merged, contract.Answer{
				Question: q,
				Answer:   strings.TrimSpace(strings.Join(answers[q], " ")),
				Score:    mean(scores[q]),
			})
		}
		out = append(out, merged)
	}
	return out, nil
}

// Aspects: 方面得分映射整合（情感分析）。
// 固定键集：每分块抽取 键→得分（钳制到 [0,1]）与可选整体得分；
// 按键求和除以区间分块数 n；整体得分单独取非空均值。
type Aspects struct {
	Keys    []string
	Extract func(raw contract.Raw) (map[string]float64, *float64, error)
}

// Consolidate 每区间产出 (平均映射, 平均整体得分或 nil)。
func (s Aspects) Consolidate(results []contract.Raw, offsets []contract.Span) ([]contract.AspectScores, error) {
	out := make([]contract.AspectScores, 0, len(offsets))
	for _, sp := range offsets {
		sums := make(map[string]float64, len(s.Keys))
		for _, k := range s.Keys {
			sums[k] = 0
		}
		var overall []float64
		for _, raw := range results[sp.Start:sp.End] {
			if raw == nil {
				continue
			}
			m, o, err := s.Extract(raw)
			if err != nil {
				return nil, err
			}
			for k, v := range m {
				if _, known := sums[k]; known {
					sums[k] += clamp01(v)
				}
			}
			if o != nil {
				overall = append(overall, *o)
			}
		}
		n := sp.Len()
		avg := make(map[string]float64, len(s.Keys))
		for _, k := range s.Keys {
			if n > 0 {
				avg[k] = sums[k] / float64(n)
			} else {
				avg[k] = 0
			}
		}
		out = append(out, contract.AspectScores{Scores: avg, Overall: mean(overall)})
	}
	return out, nil
}
