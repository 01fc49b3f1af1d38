package piimask

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"docsift/pkg/contract"
	"docsift/plugins/engine/mock"
)

func mockEngine(t *testing.T, cfg string) contract.Engine {
	t.Helper()
	eng, err := mock.New(json.RawMessage(cfg))
	if err != nil {
		t.Fatalf("mock 构造失败: %v", err)
	}
	return eng
}

// 缺省覆写：脱敏文本写回正文。
func TestMaskOverwritesByDefault(t *testing.T) {
	eng := mockEngine(t, `{"responses":["{\"text\":\"Call [MASKED] now.\"}"]}`)
	task, err := New("pii", eng, nil, nil)
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	docs := []*contract.Doc{{ID: "d", Text: "Call Ada now."}}
	out, err := task.Run(context.Background(), docs)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if out[0].Text != "Call [MASKED] now." {
		t.Fatalf("缺省应覆写正文: %q", out[0].Text)
	}
	tr := out[0].Results["pii"].(contract.TextResult)
	if tr.Text != "Call [MASKED] now." {
		t.Fatalf("结果文本不符: %q", tr.Text)
	}
}

// 关闭覆写：正文保持原样。
func TestMaskOverwriteDisabled(t *testing.T) {
	off := false
	eng := mockEngine(t, `{"responses":["{\"text\":\"x\"}"]}`)
	task, _ := New("pii", eng, &Options{Overwrite: &off}, nil)
	docs := []*contract.Doc{{ID: "d", Text: "original"}}
	out, err := task.Run(context.Background(), docs)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if out[0].Text != "original" {
		t.Fatalf("关闭覆写时正文不应改变: %q", out[0].Text)
	}
}

func TestMaskTypesInTemplate(t *testing.T) {
	eng := mockEngine(t, `{}`)
	task, _ := New("pii", eng, &Options{MaskTypes: []string{"EMAIL", "PHONE"}}, nil)
	if !strings.Contains(task.PromptTemplate(), "{{.mask_types}}") {
		t.Fatalf("模板应引用 mask_types: %q", task.PromptTemplate())
	}
}

func TestUnsupportedBackend(t *testing.T) {
	eng := mockEngine(t, `{"dialect":"weird"}`)
	if _, err := New("pii", eng, nil, nil); !errors.Is(err, contract.ErrBackendUnsupported) {
		t.Fatalf("未注册后端应拒绝: %v", err)
	}
}
