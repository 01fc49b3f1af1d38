// Package mock 提供脚本化推理引擎：伪装任一后端方言，
// 用于离线联调与上层测试，不做任何网络请求。
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"docsift/pkg/contract"
)

// Options: 调试配置（均可选）。
type Options struct {
	// Dialect: 伪装的后端方言，默认 "openai"。桥接注册表按此选择配对。
	Dialect string `json:"dialect"`
	// Responses: 逐条脚本（JSON 字符串），按展平下标取模循环。
	// 为空时所有条目回应 "{}"。
	Responses []string `json:"responses"`
	// FailAt: 以 nil 哨兵回应的展平下标。
	FailAt []int `json:"fail_at"`
	// Err: 非空时整批返回该错误（模拟不可恢复故障）。
	Err string `json:"err"`
}

// Engine 实现 contract.Engine。
type Engine struct {
	dialect   contract.Backend
	responses []string
	failAt    map[int]struct{}
	err       string
}

// New 从原样 JSON 选项构造引擎。
func New(raw json.RawMessage) (contract.Engine, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Dialect == "" {
		o.Dialect = string(contract.BackendOpenAI)
	}
	for i, r := range o.Responses {
		if !json.Valid([]byte(r)) {
			return nil, fmt.Errorf("mock: response %d is not JSON: %w", i, contract.ErrInvalidInput)
		}
	}
	fail := make(map[int]struct{}, len(o.FailAt))
	for _, i := range o.FailAt {
		fail[i] = struct{}{}
	}
	return &Engine{
		dialect:   contract.Backend(o.Dialect),
		responses: o.Responses,
		failAt:    fail,
		err:       o.Err,
	}, nil
}

// Backend 返回伪装的方言标识。
func (e *Engine) Backend() contract.Backend { return e.dialect }

// Build 组装可执行体；模式载荷不解释（伪装方言的载荷一律接受）。
func (e *Engine) Build(spec contract.ExecSpec) (contract.Executable, error) {
	return func(ctx context.Context, records []contract.Values) ([]contract.Raw, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.err != "" {
			return nil, errors.New(e.err)
		}
		out := make([]contract.Raw, len(records))
		for i := range records {
			if _, fail := e.failAt[i]; fail {
				continue
			}
			if len(e.responses) == 0 {
				out[i] = contract.Raw(`{}`)
				continue
			}
			out[i] = contract.Raw(e.responses[i%len(e.responses)])
		}
		return out, nil
	}, nil
}
