// Package taskrun 驱动单个任务的执行循环：
// 过滤 → 抽取 → 分块展开 → 推理 → 整合 → 回写。
package taskrun

import (
	"context"
	"fmt"

	"docsift/internal/diag"
	"docsift/pkg/contract"
)

// Options: 运行器构造参数。
// Engine/Bridge 必填；Fewshot/Filter/Logger 可选。
type Options struct {
	ID      contract.TaskID
	Engine  contract.Engine
	Bridge  contract.Bridge
	Fewshot []contract.Example
	Filter  contract.Predicate
	Logger  *diag.Logger
}

// Runner: 单任务执行器。
// 约束：
//  1. 可执行体在构造期一次组装，配置类错误不会泄漏到 Run；
//  2. Run 对文档指针原地写入结果，返回原批次（含被过滤文档）；
//  3. 展平表与区间满足连续/不重叠/全覆盖；长度不符为不变量错误。
type Runner struct {
	id     contract.TaskID
	bridge contract.Bridge
	exec   contract.Executable
	filter contract.Predicate
	log    *diag.Logger
}

// New 组装运行器：校验描述符并构建可执行体。
func New(o Options) (*Runner, error) {
	if o.ID == "" {
		return nil, fmt.Errorf("taskrun: empty task id: %w", contract.ErrInvalidInput)
	}
	if o.Engine == nil || o.Bridge == nil {
		return nil, fmt.Errorf("taskrun: nil engine or bridge: %w", contract.ErrInvalidInput)
	}
	sig := o.Bridge.Signature()
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("taskrun: task %s: %w", o.ID, err)
	}
	exec, err := o.Engine.Build(contract.ExecSpec{
		Mode:           o.Bridge.InferenceMode(),
		PromptTemplate: o.Bridge.PromptTemplate(),
		Signature:      sig,
		Fewshot:        o.Fewshot,
	})
	if err != nil {
		return nil, fmt.Errorf("taskrun: task %s: %w", o.ID, err)
	}
	return &Runner{
		id:     o.ID,
		bridge: o.Bridge,
		exec:   exec,
		filter: o.Filter,
		log:    o.Logger,
	}, nil
}

// ID 返回任务标识。
func (r *Runner) ID() contract.TaskID { return r.id }

// PromptTemplate 透传桥接的提示模板（诊断用）。
func (r *Runner) PromptTemplate() string { return r.bridge.PromptTemplate() }

// Run 对整批文档同步执行任务。
func (r *Runner) Run(ctx context.Context, docs []*contract.Doc) ([]*contract.Doc, error) {
	active := make([]*contract.Doc, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			return nil, fmt.Errorf("taskrun: task %s: nil doc: %w", r.id, contract.ErrInvalidInput)
		}
		if r.filter != nil && !r.filter(d) {
			continue
		}
		active = append(active, d)
	}
	if len(active) == 0 {
		return docs, nil
	}

	var tm *diag.Timer
	if r.log != nil {
		tm = r.log.StartWith("task", "run", string(r.id), "")
	}

	base, err := r.bridge.Extract(active)
	if err != nil {
		return nil, r.fail(err)
	}
	if len(base) != len(active) {
		return nil, r.fail(fmt.Errorf("taskrun: extract produced %d records for %d docs: %w",
			len(base), len(active), contract.ErrInvariantViolation))
	}

	// 分块展开：每文档一个连续区间，缺分块以 [Text] 兜底。
	flat := make([]contract.Values, 0, len(active))
	offsets := make([]contract.Span, 0, len(active))
	for i, d := range active {
		start := len(flat)
		for _, chunk := range d.ChunksOrText() {
			rec := make(contract.Values, len(base[i])+1)
			for k, v := range base[i] {
				rec[k] = v
			}
			rec[contract.KeyText] = chunk
			flat = append(flat, rec)
		}
		offsets = append(offsets, contract.Span{Start: start, End: len(flat)})
	}

	raws, err := r.exec(ctx, flat)
	if err != nil {
		return nil, r.fail(err)
	}
	if len(raws) != len(flat) {
		return nil, r.fail(fmt.Errorf("taskrun: engine returned %d results for %d chunks: %w",
			len(raws), len(flat), contract.ErrInvariantViolation))
	}

	agg, err := r.bridge.Consolidate(raws, offsets)
	if err != nil {
		return nil, r.fail(err)
	}
	if len(agg) != len(active) {
		return nil, r.fail(fmt.Errorf("taskrun: consolidation produced %d results for %d docs: %w",
			len(agg), len(active), contract.ErrInvariantViolation))
	}

	if err := r.bridge.Integrate(agg, active); err != nil {
		return nil, r.fail(err)
	}

	tm.Finish("task done", int64(len(active)))
	return docs, nil
}

// fail 记录分类后的错误事件并原样返回。
func (r *Runner) fail(err error) error {
	if r.log != nil {
		r.log.ErrorWith("task", string(diag.Classify(err)), err.Error(), nil, string(r.id), "")
	}
	return err
}
