package mock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"docsift/pkg/contract"
)

func TestScriptedResponses(t *testing.T) {
	eng, err := New(json.RawMessage(`{"responses":["{\"a\":1}","{\"a\":2}"],"fail_at":[1]}`))
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	exec, err := eng.Build(contract.ExecSpec{})
	if err != nil {
		t.Fatalf("组装失败: %v", err)
	}
	raws, err := exec(context.Background(), make([]contract.Values, 3))
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if string(raws[0]) != `{"a":1}` || raws[1] != nil || string(raws[2]) != `{"a":1}` {
		t.Fatalf("脚本回应不符: %s %v %s", raws[0], raws[1], raws[2])
	}
}

func TestDefaultDialectAndResponse(t *testing.T) {
	eng, err := New(nil)
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	if eng.Backend() != contract.BackendOpenAI {
		t.Fatalf("默认方言应为 openai: %s", eng.Backend())
	}
	exec, _ := eng.Build(contract.ExecSpec{})
	raws, err := exec(context.Background(), make([]contract.Values, 2))
	if err != nil || len(raws) != 2 || string(raws[0]) != `{}` {
		t.Fatalf("默认回应不符: %v %v", raws, err)
	}
}

func TestInvalidResponseRejected(t *testing.T) {
	if _, err := New(json.RawMessage(`{"responses":["not-json"]}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("非 JSON 脚本应拒绝: %v", err)
	}
}

func TestScriptedError(t *testing.T) {
	eng, _ := New(json.RawMessage(`{"err":"down"}`))
	exec, _ := eng.Build(contract.ExecSpec{})
	if _, err := exec(context.Background(), make([]contract.Values, 1)); err == nil {
		t.Fatalf("应返回脚本错误")
	}
}
