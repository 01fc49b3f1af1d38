package contract

import (
	"bytes"
	"encoding/json"
)

// TaskID: 任务唯一标识（流水线内不得重复）。
type TaskID string

// Meta: 可选的轻量元信息；核心流程不读取其键值。
type Meta map[string]string

// Values: 单个分块的输入记录（string 键 → 注入值）。
// 由 Bridge.Extract 产出文档级基础记录，执行层为每个分块覆盖 KeyText 键。
type Values map[string]any

// KeyText: 分块正文在 Values 中的保留键。
const KeyText = "text"

// Doc: 待处理文档。
// 约束：
//  1. Text 为空字符串视为“无文本”；
//  2. Chunks 非空时，每个分块为 Text 的连续切片且保持原文顺序；
//     为空时执行层以 [Text] 作为唯一分块；
//  3. Results[taskID] 每次任务运行至多写入一次；跳过的文档不写入；
//  4. Meta/Results 由调用方或上游任务填充，核心不删除任何条目。
type Doc struct {
	ID      string         `json:"id,omitempty"`
	URI     string         `json:"uri,omitempty"`
	Text    string         `json:"text,omitempty"`
	Chunks  []string       `json:"chunks,omitempty"`
	Meta    Meta           `json:"meta,omitempty"`
	Results map[TaskID]any `json:"results,omitempty"`
}

// Clone 深拷贝文档：副本与原文档相互独立，修改互不可见。
// Results 中的值为任务结果类型（值语义），复制映射容器本身。
func (d *Doc) Clone() *Doc {
	if d == nil {
		return nil
	}
	out := &Doc{ID: d.ID, URI: d.URI, Text: d.Text}
	if d.Chunks != nil {
		out.Chunks = make([]string, len(d.Chunks))
		copy(out.Chunks, d.Chunks)
	}
	if d.Meta != nil {
		out.Meta = make(Meta, len(d.Meta))
		for k, v := range d.Meta {
			out.Meta[k] = v
		}
	}
	if d.Results != nil {
		out.Results = make(map[TaskID]any, len(d.Results))
		for k, v := range d.Results {
			out.Results[k] = v
		}
	}
	return out
}

// Equal 判断两份文档是否等价：标量字段、分块序列与元信息逐项比较；
// Results 按 JSON 形态比较（任务结果为值语义的可序列化类型）。
func (d *Doc) Equal(o *Doc) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.ID != o.ID || d.URI != o.URI || d.Text != o.Text {
		return false
	}
	if len(d.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range d.Chunks {
		if d.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	if len(d.Meta) != len(o.Meta) {
		return false
	}
	for k, v := range d.Meta {
		if ov, ok := o.Meta[k]; !ok || ov != v {
			return false
		}
	}
	if len(d.Results) != len(o.Results) {
		return false
	}
	for k, v := range d.Results {
		ov, ok := o.Results[k]
		if !ok {
			return false
		}
		a, err := json.Marshal(v)
		if err != nil {
			return false
		}
		b, err := json.Marshal(ov)
		if err != nil {
			return false
		}
		if !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

// EnsureResults 惰性初始化 Results 容器。
func (d *Doc) EnsureResults() {
	if d.Results == nil {
		d.Results = make(map[TaskID]any, 1)
	}
}

// ChunksOrText 返回有效分块序列：Chunks 非空时原样返回，否则以 [Text] 兜底。
func (d *Doc) ChunksOrText() []string {
	if len(d.Chunks) > 0 {
		return d.Chunks
	}
	return []string{d.Text}
}

// Span: 文档在展平分块记录表中的偏移区间（半开区间 [Start, End)）。
// 约束：同一批次内各区间连续、不重叠、按文档顺序完整覆盖展平表。
type Span struct {
	Start int
	End   int
}

// Len 返回区间内分块数。
func (s Span) Len() int { return s.End - s.Start }

// Raw: 单个分块的原始推理结果（JSON 字节）。
// nil 为空哨兵：表示该分块推理失败或被跳过；整合策略必须容忍 nil。
type Raw []byte

// Predicate: 按文档求值的过滤谓词；返回 false 的文档绕过该任务。
// 求值依据为文档当前的 Results/Meta 状态。
type Predicate func(d *Doc) bool
