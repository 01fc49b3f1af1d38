package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Engine 与 Tasks 不设默认（必须由文件/ENV 提供）。
func Defaults() Config {
	return Config{
		Inputs:  []string{"-"},
		Logging: Logging{Level: "info"},
	}
}

// Load 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 路径以 .yaml/.yml 结尾时按 YAML 解析：先归一化为 JSON，
// 再走同一条严格解码路径，保证两种格式的字段校验一致。
func Load(path string, raw []byte) (Config, error) {
	var cfg Config
	switch {
	case len(raw) > 0:
		// 原样字节视为 JSON
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			data, err = yamlToJSON(data)
			if err != nil {
				return cfg, fmt.Errorf("config: %s: %w", path, err)
			}
		}
		raw = data
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// yamlToJSON 将 YAML 文档归一化为 JSON 字节。
// yaml.v3 对未知结构解码为 map[string]any/[]any，可直接再编码。
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			v = map[string]any{}
		} else {
			return nil, err
		}
	}
	return json.Marshal(v)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if strings.TrimSpace(over.Output) != "" {
		out.Output = strings.TrimSpace(over.Output)
	}
	// InPlace 仅支持单向开启（false 无法与“未设置”区分）。
	if over.InPlace {
		out.InPlace = true
	}
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}
	if strings.TrimSpace(over.Engine) != "" {
		out.Engine = strings.TrimSpace(over.Engine)
	}
	// Engines（完整替换对应键）
	if len(over.Engines) > 0 {
		if out.Engines == nil {
			out.Engines = make(map[string]EngineDef, len(over.Engines))
		}
		for k, v := range over.Engines {
			out.Engines[k] = v
		}
	}
	// Tasks（整表替换：链序有语义，不做按键合并）
	if len(over.Tasks) > 0 {
		out.Tasks = append([]TaskDef(nil), over.Tasks...)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 DOCSIFT_；集合之外的键忽略。
// 支持：INPUTS, OUTPUT, IN_PLACE, ENGINE, LOGGING_LEVEL
// 以及 ENGINE__<name>__TYPE / ENGINE__<name>__OPTIONS_JSON。
// 任务链只能来自配置文件（链序与 Options 无法安全地由扁平 ENV 表达）。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	eng := map[string]EngineDef{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, "DOCSIFT_") {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len("DOCSIFT_") {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		nk := strings.TrimPrefix(key, "DOCSIFT_")
		switch nk {
		case "INPUTS":
			if val != "" {
				over.Inputs = splitComma(val)
			}
		case "OUTPUT":
			over.Output = strings.TrimSpace(val)
		case "IN_PLACE":
			over.InPlace = val == "1" || strings.EqualFold(val, "true")
		case "ENGINE":
			over.Engine = strings.TrimSpace(val)
		case "LOGGING_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		default:
			if !strings.HasPrefix(nk, "ENGINE__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			d := eng[name]
			changed := false
			switch field {
			case "TYPE":
				if tv := strings.TrimSpace(val); tv != "" {
					d.Type = tv
					changed = true
				}
			case "OPTIONS_JSON":
				// 原样 JSON；空值视为未设置，避免清空现有配置
				if strings.TrimSpace(val) != "" {
					d.Options = json.RawMessage(val)
					changed = true
				}
			}
			if changed {
				eng[name] = d
			}
		}
	}
	if len(eng) > 0 {
		over.Engines = eng
	}
	return over, nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
