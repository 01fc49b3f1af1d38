// Package rate 提供引擎出站限流：单凭据一个令牌桶闸门，
// RPM/TPM 两维度按分钟速率连续回填。
package rate

import (
	"context"
	"sync"
	"time"

	"docsift/pkg/contract"
)

// LimitKey: 限流分组键（engine + 凭据哈希，见 DeriveKeyFromEngineOptions）。
type LimitKey string

// Limits: 限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Requests int // 默认为 1；必须 >=1
	Tokens   int // 预计 token （>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot() (rpmAvail, tpmAvail int)
}

// NewGate: 从静态限额构造闸门；clk 为空则使用 time.Now。
func NewGate(lim Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, lim: lim}
	now := clk()
	if lim.RPM > 0 {
		g.req = newBucket(lim.RPM, now)
	}
	if lim.TPM > 0 {
		g.tok = newBucket(lim.TPM, now)
	}
	return g
}

var (
	sharedMu sync.Mutex
	shared   = map[LimitKey]Gate{}
)

// For 返回按键共享的闸门：同键的引擎实例共用同一组令牌桶。
// 约束：首个创建者的限额生效，后续同键调用忽略传入限额。
func For(key LimitKey, lim Limits) Gate {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if g, ok := shared[key]; ok {
		return g
	}
	g := NewGate(lim, nil)
	shared[key] = g
	return g
}

type gate struct {
	clk func() time.Time
	lim Limits

	mu  sync.Mutex
	req bucket // RPM 维度
	tok bucket // TPM 维度
}

type bucket struct {
	cap   int
	level float64
	rate  float64
	last  time.Time
}

func newBucket(capacity int, now time.Time) bucket {
	if capacity <= 0 {
		return bucket{}
	}
	return bucket{cap: capacity, level: float64(capacity), rate: float64(capacity) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.enabled() {
		return
	}
	if now.Before(b.last) {
		// 单调性保护：若时钟回拨，视为无时间流逝
		return
	}
	dt := now.Sub(b.last).Seconds()
	if dt <= 0 {
		return
	}
	b.level += dt * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

func (b *bucket) canTake(n int) bool {
	if !b.enabled() { // 该维度关闭
		return true
	}
	if n <= 0 { // 非法输入在上层校验，这里宽松处理
		return true
	}
	return b.level >= float64(n)
}

func (b *bucket) take(n int) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

// waitSecFor 返回达到可消费 n 还需等待的秒数（向下近似）；上层应取两维度的最大值并做向上取整。
func (b *bucket) waitSecFor(n int) float64 {
	if !b.enabled() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	// 速率为 tokens/sec
	return deficit / b.rate
}

func (g *gate) Try(a Ask) bool {
	if a.Requests <= 0 || a.Tokens < 0 {
		return false
	}
	if g.lim.MaxTokensPerReq > 0 && a.Tokens > g.lim.MaxTokensPerReq {
		return false
	}
	now := g.clk()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.req.refill(now)
	g.tok.refill(now)
	if g.req.canTake(a.Requests) && g.tok.canTake(a.Tokens) {
		g.req.take(a.Requests)
		g.tok.take(a.Tokens)
		return true
	}
	return false
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	if g.lim.MaxTokensPerReq > 0 && a.Tokens > g.lim.MaxTokensPerReq {
		return contract.ErrInvalidInput
	}
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		// 快速取消
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := g.clk()
		g.mu.Lock()
		g.req.refill(now)
		g.tok.refill(now)
		canReq := g.req.canTake(a.Requests)
		canTok := g.tok.canTake(a.Tokens)
		if canReq && canTok {
			g.req.take(a.Requests)
			g.tok.take(a.Tokens)
			g.mu.Unlock()
			return nil
		}
		// 计算需要等待的时间（秒）并取最大值
		wr := g.req.waitSecFor(a.Requests)
		wt := g.tok.waitSecFor(a.Tokens)
		g.mu.Unlock()

		waitSec := wr
		if wt > waitSec {
			waitSec = wt
		}
		// 向上取整到 minSleep 的近似倍数
		d := time.Duration(waitSec*float64(time.Second) + float64(minSleep))
		if d < minSleep {
			d = minSleep
		}
		// 分片睡眠以响应 ctx 取消
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 若 d 很长，分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot: 返回当前可用请求/令牌的“向下取整”估值（仅诊断）。
func (g *gate) Snapshot() (rpmAvail, tpmAvail int) {
	now := g.clk()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.req.refill(now)
	g.tok.refill(now)
	if g.req.enabled() {
		rpmAvail = int(g.req.level)
	}
	if g.tok.enabled() {
		tpmAvail = int(g.tok.level)
	}
	return
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
