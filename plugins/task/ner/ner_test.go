package ner

import (
	"context"
	"encoding/json"
	"errors"
	"math"
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

// 跨分块去重：同身份实体合并，得分取均值，顺序为首次出现。
func TestDedupAcrossChunks(t *testing.T) {
	eng := mockEngine(t, `{"responses":[
		"{\"entities\":[{\"text\":\"Ada\",\"start\":0,\"end\":3,\"type\":\"PERSON\",\"score\":0.8}]}",
		"{\"entities\":[{\"text\":\"Ada\",\"start\":0,\"end\":3,\"type\":\"PERSON\",\"score\":0.6},{\"text\":\"Paris\",\"start\":10,\"end\":15,\"type\":\"LOC\"}]}"
	]}`)
	task, err := New("ner", eng, &Options{Types: []string{"PERSON", "LOC"}}, nil)
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	docs := []*contract.Doc{{ID: "d", Text: "ab", Chunks: []string{"a", "b"}}}
	out, err := task.Run(context.Background(), docs)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	ents, ok := out[0].Results["ner"].([]contract.Entity)
	if !ok {
		t.Fatalf("结果类型不符: %T", out[0].Results["ner"])
	}
	if len(ents) != 2 {
		t.Fatalf("应去重为 2 个实体: %+v", ents)
	}
	if ents[0].Text != "Ada" || ents[0].Score == nil || math.Abs(*ents[0].Score-0.7) > 1e-9 {
		t.Fatalf("Ada 得分应为 0.7: %+v", ents[0])
	}
	if ents[1].Text != "Paris" || ents[1].Score != nil {
		t.Fatalf("Paris 无得分应为 nil: %+v", ents[1])
	}
}

// 全 nil 区间产出空列表。
func TestAllNilChunks(t *testing.T) {
	eng := mockEngine(t, `{"fail_at":[0,1]}`)
	task, _ := New("ner", eng, nil, nil)
	docs := []*contract.Doc{{ID: "d", Text: "ab", Chunks: []string{"a", "b"}}}
	out, err := task.Run(context.Background(), docs)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	ents := out[0].Results["ner"].([]contract.Entity)
	if len(ents) != 0 {
		t.Fatalf("全 nil 应产出空列表: %+v", ents)
	}
}

func TestUnsupportedBackend(t *testing.T) {
	eng := mockEngine(t, `{"dialect":"weird"}`)
	if _, err := New("ner", eng, nil, nil); !errors.Is(err, contract.ErrBackendUnsupported) {
		t.Fatalf("未注册后端应拒绝: %v", err)
	}
}

func TestMissingText(t *testing.T) {
	eng := mockEngine(t, `{}`)
	task, _ := New("ner", eng, nil, nil)
	if _, err := task.Run(context.Background(), []*contract.Doc{{ID: "d"}}); !errors.Is(err, contract.ErrMissingText) {
		t.Fatalf("缺文本应拒绝: %v", err)
	}
}
