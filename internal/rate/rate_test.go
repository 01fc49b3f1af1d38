package rate

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"
)

// 超过 RPM/TPM
func TestGateTryLimit(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(Limits{RPM: 1, TPM: 10, MaxTokensPerReq: 5}, clk)
	if !g.Try(Ask{Requests: 1, Tokens: 3}) {
		t.Fatalf("首次应通过")
	}
	if g.Try(Ask{Requests: 1, Tokens: 3}) {
		t.Fatalf("应因 RPM 拒绝")
	}
	if g.Try(Ask{Requests: 1, Tokens: 6}) {
		t.Fatalf("应因单请求上限拒绝")
	}
}

// 回填：时间前进后额度恢复
func TestGateRefill(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(Limits{RPM: 1}, clk)
	if !g.Try(Ask{Requests: 1}) {
		t.Fatalf("首次应通过")
	}
	if g.Try(Ask{Requests: 1}) {
		t.Fatalf("额度用尽应拒绝")
	}
	now = now.Add(time.Minute)
	if !g.Try(Ask{Requests: 1}) {
		t.Fatalf("一分钟后应恢复")
	}
}

// 取消上下文
func TestGateWaitCancel(t *testing.T) {
	now := time.Unix(0, 0)
	clk := func() time.Time { return now }
	g := NewGate(Limits{RPM: 1}, clk)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := g.Wait(ctx, Ask{Requests: 2}); err == nil {
		t.Fatalf("应返回取消错误")
	}
}

// 同键共享：同凭据返回同一闸门，额度不叠加
func TestForSharedByKey(t *testing.T) {
	a := For("t-shared", Limits{RPM: 1})
	b := For("t-shared", Limits{RPM: 100})
	if a != b {
		t.Fatalf("同键应返回同一闸门")
	}
	if !a.Try(Ask{Requests: 1}) {
		t.Fatalf("首次应通过")
	}
	if b.Try(Ask{Requests: 1}) {
		t.Fatalf("共享额度应已用尽")
	}
	if c := For("t-other", Limits{RPM: 1}); c == a {
		t.Fatalf("不同键不应共享")
	}
}

// 分组键派生
func TestDeriveKeyFromEngineOptions(t *testing.T) {
	os.Setenv("TEST_KEY", "abc")
	raw, _ := json.Marshal(map[string]any{"api_key_env": "TEST_KEY"})
	k, err := DeriveKeyFromEngineOptions("openai", raw)
	if err != nil || k == "" {
		t.Fatalf("派生失败: %v", err)
	}
	if _, err := DeriveKeyFromEngineOptions("openai", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("缺少凭据应失败")
	}
	// ollama 本地服务按地址分组，无凭据不报错
	k2, err := DeriveKeyFromEngineOptions("ollama", json.RawMessage(`{}`))
	if err != nil || k2 == "" {
		t.Fatalf("ollama 派生失败: %v", err)
	}
}
