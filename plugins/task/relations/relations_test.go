package relations

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

// 跨分块去重：同身份三元组合并，得分取均值，顺序为首次出现。
func TestDedupAcrossChunks(t *testing.T) {
	eng := mockEngine(t, `{"responses":[
		"{\"triplets\":[{\"head\":{\"text\":\"Ada\",\"type\":\"PERSON\"},\"relation\":\"works_at\",\"tail\":{\"text\":\"Acme\",\"type\":\"ORG\"},\"score\":0.9}]}",
		"{\"triplets\":[{\"head\":{\"text\":\"Ada\",\"type\":\"PERSON\"},\"relation\":\"works_at\",\"tail\":{\"text\":\"Acme\",\"type\":\"ORG\"},\"score\":0.5},{\"head\":{\"text\":\"Ada\",\"type\":\"PERSON\"},\"relation\":\"lives_in\",\"tail\":{\"text\":\"Paris\",\"type\":\"LOC\"}}]}"
	]}`)
	task, err := New("rel", eng, &Options{Relations: []string{"works_at", "lives_in"}}, nil)
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	docs := []*contract.Doc{{ID: "d", Text: "ab", Chunks: []string{"a", "b"}}}
	out, err := task.Run(context.Background(), docs)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	trs, ok := out[0].Results["rel"].([]contract.Triplet)
	if !ok {
		t.Fatalf("结果类型不符: %T", out[0].Results["rel"])
	}
	if len(trs) != 2 {
		t.Fatalf("应去重为 2 个三元组: %+v", trs)
	}
	if trs[0].Relation != "works_at" || trs[0].Score == nil || math.Abs(*trs[0].Score-0.7) > 1e-9 {
		t.Fatalf("works_at 得分应为 0.7: %+v", trs[0])
	}
	if trs[1].Relation != "lives_in" || trs[1].Score != nil {
		t.Fatalf("lives_in 无得分应为 nil: %+v", trs[1])
	}
}

// 空关系集在构造期拒绝。
func TestEmptyRelations(t *testing.T) {
	eng := mockEngine(t, `{}`)
	if _, err := New("rel", eng, nil, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空关系集应拒绝: %v", err)
	}
	if _, err := New("rel", eng, &Options{}, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空关系集应拒绝: %v", err)
	}
}

// 说明键必须属于声明的关系集。
func TestUndeclaredDescription(t *testing.T) {
	eng := mockEngine(t, `{}`)
	o := &Options{
		Relations:            []string{"works_at"},
		RelationDescriptions: map[string]string{"lives_in": "residence"},
	}
	if _, err := New("rel", eng, o, nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未声明关系的说明应拒绝: %v", err)
	}
}

// 关系集与类型集进入提示；无类型集时标注 Unbounded。
func TestPromptBlocks(t *testing.T) {
	o := &Options{
		Relations:            []string{"works_at", "lives_in"},
		RelationDescriptions: map[string]string{"works_at": "employment"},
	}
	b := newBridge("rel", o, nil)
	vals, err := b.Extract([]*contract.Doc{{ID: "d", Text: "x"}})
	if err != nil {
		t.Fatalf("抽取失败: %v", err)
	}
	if vals[0]["relations"] != "- works_at: employment\n- lives_in" {
		t.Fatalf("关系块不符: %q", vals[0]["relations"])
	}
	if vals[0]["entity_types"] != "Unbounded" {
		t.Fatalf("无类型集应为 Unbounded: %q", vals[0]["entity_types"])
	}

	o.EntityTypes = []string{"PERSON", "ORG"}
	b = newBridge("rel", o, nil)
	vals, _ = b.Extract([]*contract.Doc{{ID: "d", Text: "x"}})
	if vals[0]["entity_types"] != "PERSON, ORG" {
		t.Fatalf("类型块不符: %q", vals[0]["entity_types"])
	}
}

// 全 nil 区间产出空列表。
func TestAllNilChunks(t *testing.T) {
	eng := mockEngine(t, `{"fail_at":[0,1]}`)
	task, _ := New("rel", eng, &Options{Relations: []string{"works_at"}}, nil)
	docs := []*contract.Doc{{ID: "d", Text: "ab", Chunks: []string{"a", "b"}}}
	out, err := task.Run(context.Background(), docs)
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	trs := out[0].Results["rel"].([]contract.Triplet)
	if len(trs) != 0 {
		t.Fatalf("全 nil 应产出空列表: %+v", trs)
	}
}

func TestUnsupportedBackend(t *testing.T) {
	eng := mockEngine(t, `{"dialect":"weird"}`)
	if _, err := New("rel", eng, &Options{Relations: []string{"r"}}, nil); !errors.Is(err, contract.ErrBackendUnsupported) {
		t.Fatalf("未注册后端应拒绝: %v", err)
	}
}

func TestMissingText(t *testing.T) {
	eng := mockEngine(t, `{}`)
	task, _ := New("rel", eng, &Options{Relations: []string{"r"}}, nil)
	if _, err := task.Run(context.Background(), []*contract.Doc{{ID: "d"}}); !errors.Is(err, contract.ErrMissingText) {
		t.Fatalf("缺文本应拒绝: %v", err)
	}
}

// 坏响应包装 ErrResponseInvalid。
func TestMalformedResponse(t *testing.T) {
	if _, err := parseTriplets(contract.Raw(`{"triplets":"no"}`)); !errors.Is(err, contract.ErrResponseInvalid) {
		t.Fatalf("坏响应应包装 ErrResponseInvalid: %v", err)
	}
}
