package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKeyFromProviderOptions 从后端标识与其原样 Options JSON 中提取限流分组键。
//   - openai/gemini: client + sha256(api key)，同一 key 的多个 provider 共享额度；
//   - ollama: client + sha256(base_url)，同一本地服务共享额度；
//   - mock/flaky: 固定本地键。
//
// 远端后端找不到 key 时返回错误。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(key string) string {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	apiKey := func() string {
		k := pick("api_key")
		if k == "" {
			if env := pick("api_key_env"); env != "" {
				k = os.Getenv(env)
			}
		}
		return k
	}

	key := ""
	switch client {
	case "mock", "flaky":
		key = "local"
	case "ollama":
		key = pick("base_url")
		if key == "" {
			key = os.Getenv("OLLAMA_BASE_URL")
		}
		if key == "" {
			key = "http://localhost:11434"
		}
	case "openai":
		key = apiKey()
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
	case "gemini":
		key = apiKey()
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
	default:
		key = apiKey()
	}

	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
