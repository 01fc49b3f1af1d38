// Package registry 提供显式工厂注册表（零反射）：
// 引擎与任务按名称构造，Options 为原样 JSON、严格解码。
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"docsift/internal/diag"
	"docsift/pkg/contract"
	engmock "docsift/plugins/engine/mock"
	engollama "docsift/plugins/engine/ollama"
	engopenai "docsift/plugins/engine/openai"
	tclassification "docsift/plugins/task/classification"
	textraction "docsift/plugins/task/extraction"
	tner "docsift/plugins/task/ner"
	tpiimask "docsift/plugins/task/piimask"
	tqa "docsift/plugins/task/qa"
	trelations "docsift/plugins/task/relations"
	tsentiment "docsift/plugins/task/sentiment"
	tsummarization "docsift/plugins/task/summarization"
	ttranslation "docsift/plugins/task/translation"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewEngine 工厂签名：接收原样 JSON Options。
type NewEngine func(raw json.RawMessage) (contract.Engine, error)

// NewTask 工厂签名：任务标识 + 配对引擎 + 原样 JSON Options。
type NewTask func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error)

// Engine 工厂注册表。
var Engine = map[string]NewEngine{
	"openai": func(raw json.RawMessage) (contract.Engine, error) { return engopenai.New(raw) },
	"ollama": func(raw json.RawMessage) (contract.Engine, error) { return engollama.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.Engine, error) { return engmock.New(raw) },
}

// Task 工厂注册表。
var Task = map[string]NewTask{
	"classification": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o tclassification.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return tclassification.New(id, eng, &o, log)
	},
	"ner": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o tner.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return tner.New(id, eng, &o, log)
	},
	"extraction": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o textraction.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return textraction.New(id, eng, &o, log)
	},
	"relations": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o trelations.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return trelations.New(id, eng, &o, log)
	},
	"summarization": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o tsummarization.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return tsummarization.New(id, eng, &o, log)
	},
	"translation": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o ttranslation.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return ttranslation.New(id, eng, &o, log)
	},
	"qa": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o tqa.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return tqa.New(id, eng, &o, log)
	},
	"sentiment": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o tsentiment.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return tsentiment.New(id, eng, &o, log)
	},
	"piimask": func(id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
		var o tpiimask.Options
		if err := strictUnmarshal(raw, &o); err != nil {
			return nil, err
		}
		return tpiimask.New(id, eng, &o, log)
	},
}

// Engines 返回已注册引擎名（有序，诊断用）。
func Engines() []string { return sortedKeys(Engine) }

// Tasks 返回已注册任务类型名（有序，诊断用）。
func Tasks() []string { return sortedKeys(Task) }

func sortedKeys[M ~map[string]V, V any](m M) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildEngine 按名称构造引擎；未注册名称报错。
func BuildEngine(name string, raw json.RawMessage) (contract.Engine, error) {
	mk, ok := Engine[name]
	if !ok {
		return nil, fmt.Errorf("registry: unknown engine %q: %w", name, contract.ErrInvalidInput)
	}
	return mk(raw)
}

// BuildTask 按类型名构造任务；未注册名称报错。
func BuildTask(kind string, id contract.TaskID, eng contract.Engine, raw json.RawMessage, log *diag.Logger) (contract.Task, error) {
	mk, ok := Task[kind]
	if !ok {
		return nil, fmt.Errorf("registry: unknown task type %q: %w", kind, contract.ErrInvalidInput)
	}
	return mk(id, eng, raw, log)
}
