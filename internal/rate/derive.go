package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKeyFromEngineOptions 从引擎标识与其原样 Options JSON 中提取凭据，
// 并返回按 engine+sha256(credential) 构造的限流分组键。找不到凭据时返回错误。
// 仅解析常见键名："api_key" 与 "api_key_env"；ollama 为本地服务，无凭据时
// 退化为 server_url（缺省 http://localhost:11434）；mock 若未提供 api_key，
// 则使用内置 "MOCK_DEBUG_KEY"。
func DeriveKeyFromEngineOptions(engine string, raw json.RawMessage) (LimitKey, error) {
	// 为避免跨层依赖 plugins/* 的具体类型，这里按通用 JSON 键解析。
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}

	key := ""
	switch engine {
	case "openai":
		key = pick(obj, "api_key")
		if key == "" {
			if env := pick(obj, "api_key_env"); env != "" {
				key = os.Getenv(env)
			}
		}
	case "ollama":
		key = pick(obj, "server_url")
		if key == "" {
			key = "http://localhost:11434"
		}
	case "mock":
		key = pick(obj, "api_key")
		if key == "" {
			key = "MOCK_DEBUG_KEY"
		}
	default:
		// 尝试通用键解析
		key = pick(obj, "api_key")
		if key == "" {
			if env := pick(obj, "api_key_env"); env != "" {
				key = os.Getenv(env)
			}
		}
	}

	if key == "" {
		return "", fmt.Errorf("rate: missing credential for engine %s", engine)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", engine, sum[:])), nil
}
