package contract

import "errors"

// 最小错误分类（用于上层策略判定）。
var (
	// ErrDuplicateTaskID: 流水线内任务标识重复（构造期，致命）。
	ErrDuplicateTaskID = errors.New("duplicate task id")
	// ErrBackendUnsupported: 任务不支持所选后端（构造期，致命）。
	ErrBackendUnsupported = errors.New("backend not supported by this task")
	// ErrTypeMismatch: 链式任务的输出/输入类型不匹配（构造期，致命）。
	ErrTypeMismatch = errors.New("task chain type mismatch")
	// ErrMissingText: 文档缺少必需文本（运行期，整批中止）。
	ErrMissingText = errors.New("document text missing")
	// ErrResponseInvalid: 推理响应无法解析（严格模式下整批中止）。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrInvalidInput: 输入非法（通用哨兵）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvariantViolation: 领域不变量违例（编程错误，致命）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrRateLimited: 上游限流。
	ErrRateLimited = errors.New("rate limited")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
)
