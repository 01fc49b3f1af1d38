package contract

import "context"

// Task: 流水线的一个阶段。
// 约束：
//  1. ID 在流水线内唯一；
//  2. Run 对整批文档同步执行，返回同一批文档（允许原地修改）；
//  3. 配置类错误在任务构造期暴露，Run 不得出现 ErrBackendUnsupported。
type Task interface {
	ID() TaskID
	Run(ctx context.Context, docs []*Doc) ([]*Doc, error)
}

// Chainable: 可选扩展接口。声明了输入/输出形状的任务参与
// 流水线构造期的链式类型检查；未实现的任务跳过该检查。
type Chainable interface {
	Consumes() Kind
	Produces() Kind
}
