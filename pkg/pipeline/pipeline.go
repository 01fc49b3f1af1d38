// Package pipeline 按声明顺序串联任务，对整批文档顺序执行。
package pipeline

import (
	"context"
	"fmt"
	"time"

	"docsift/internal/diag"
	"docsift/pkg/contract"
)

// Options: 流水线构造参数。
type Options struct {
	// Logger 可选；nil 时不记录。
	Logger *diag.Logger
	// Label 为运行标签（通常是引擎名），仅用于终端提示。
	Label string
}

// Pipeline: 有序任务链。
// 约束：
//  1. 任务 ID 全链唯一（Add 期拒绝重复）；
//  2. 声明了输入/输出形状的任务参与链式类型检查；
//  3. Run 顺序执行；单任务失败即中止并返回错误；
//  4. inPlace=false 时对输入批次深拷贝，原文档不被修改。
type Pipeline struct {
	tasks []contract.Task
	seen  map[contract.TaskID]struct{}
	log   *diag.Logger
	label string
}

// New 构造空流水线。
func New(o Options) *Pipeline {
	return &Pipeline{
		seen:  make(map[contract.TaskID]struct{}),
		log:   o.Logger,
		label: o.Label,
	}
}

// Add 追加任务；重复 ID 与形状不匹配在此拒绝。
// 链式检查规则：Consumes 为零值的任务直接消费文档正文，总是可接；
// 非零 Consumes 要求此前已有任务产出同形状结果。
func (p *Pipeline) Add(t contract.Task) error {
	if t == nil {
		return fmt.Errorf("pipeline: nil task: %w", contract.ErrInvalidInput)
	}
	id := t.ID()
	if id == "" {
		return fmt.Errorf("pipeline: empty task id: %w", contract.ErrInvalidInput)
	}
	if _, dup := p.seen[id]; dup {
		return fmt.Errorf("pipeline: task %s: %w", id, contract.ErrDuplicateTaskID)
	}
	if c, ok := t.(contract.Chainable); ok {
		if need := c.Consumes(); need != "" && !p.produced(need) {
			return fmt.Errorf("pipeline: task %s consumes %s which no prior task produces: %w",
				id, need, contract.ErrTypeMismatch)
		}
	}
	p.seen[id] = struct{}{}
	p.tasks = append(p.tasks, t)
	return nil
}

// produced 判断链上是否已有任务产出指定形状。
func (p *Pipeline) produced(k contract.Kind) bool {
	for _, t := range p.tasks {
		if c, ok := t.(contract.Chainable); ok && c.Produces() == k {
			return true
		}
	}
	return false
}

// Tasks 返回已注册任务数。
func (p *Pipeline) Tasks() int { return len(p.tasks) }

// Run 顺序执行全部任务。
// inPlace=false 时先深拷贝批次，调用方持有的文档不受影响。
func (p *Pipeline) Run(ctx context.Context, docs []*contract.Doc, inPlace bool) ([]*contract.Doc, error) {
	if !inPlace {
		cloned := make([]*contract.Doc, len(docs))
		for i, d := range docs {
			cloned[i] = d.Clone()
		}
		docs = cloned
	}

	term := diag.GetTerminal()
	term.RunStart(len(p.tasks), p.label)
	runT0 := time.Now()

	for _, t := range p.tasks {
		if err := ctx.Err(); err != nil {
			term.RunFinish(false, time.Since(runT0))
			return nil, err
		}
		var tm *diag.Timer
		if p.log != nil {
			tm = p.log.StartWith("pipeline", "task", string(t.ID()), "")
		}
		term.TaskStart(string(t.ID()), len(docs))
		t0 := time.Now()

		out, err := t.Run(ctx, docs)
		if err != nil {
			if p.log != nil {
				p.log.ErrorWith("pipeline", string(diag.Classify(err)), err.Error(), &t0, string(t.ID()), "")
			}
			term.TaskFinish(false, time.Since(t0))
			term.RunFinish(false, time.Since(runT0))
			return nil, fmt.Errorf("pipeline: task %s: %w", t.ID(), err)
		}
		docs = out
		tm.Finish("task done", int64(len(docs)))
		term.TaskFinish(true, time.Since(t0))
	}

	term.RunFinish(true, time.Since(runT0))
	return docs, nil
}
