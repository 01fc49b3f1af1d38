package contract

// Bridge: (任务类型, 后端) 配对的适配器。无状态（相对文档而言）；
// consolidate/integrate 为纯函数，不持有文档。
// 约束：
//  1. Extract 为每个文档产出一条文档级输入记录；缺少必需文本返回 ErrMissingText；
//  2. Consolidate 把每个区间的分块原始结果合并为恰好一个文档级结果
//     （不多不少）；必须容忍 nil 条目，全 nil 区间产出空/中性结果；
//  3. Integrate 把文档级结果写入 docs[i].Results[taskID]；
//     产出文本的任务在 overwrite 开启时额外覆写 doc.Text；
//  4. 无内部并发、幂等。
type Bridge interface {
	// PromptTemplate 返回提示模板（可为空，由配对引擎解释）。
	PromptTemplate() string
	// Signature 返回输出形状描述符。
	Signature() Signature
	// InferenceMode 返回配对引擎的推理模式载荷。
	InferenceMode() InferenceMode
	Extract(docs []*Doc) ([]Values, error)
	Consolidate(results []Raw, offsets []Span) ([]any, error)
	Integrate(results []any, docs []*Doc) error
}
