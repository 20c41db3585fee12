package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// 各客户端未配置 api_key_env 时读取的环境变量，与 plugins/llmclient/* 的默认值一致。
var defaultKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"gemini":    "GOOGLE_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// 本地客户端不发请求，未配置 key 时共用一个分组。
const offlineKey = "MOCK_DEBUG_KEY"

// DeriveKeyFromProviderOptions 由客户端名与其原样 Options 派生限流分组键：
// client + ":" + hex(sha256(base_url \x00 api_key))。
// 同一 key 打到不同端点（代理、兼容服务）各自计数；明文 key 不出现在键里。
// 找不到 key 时返回错误，由调用方决定退化策略。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var o struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
		BaseURL   string `json:"base_url"`
	}
	// 未知字段与类型不符一律忽略：这里只做分组，不做校验
	_ = json.Unmarshal(raw, &o)

	key := o.APIKey
	if key == "" {
		env := o.APIKeyEnv
		if env == "" {
			env = defaultKeyEnv[client]
		}
		if env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = offlineKey
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(strings.TrimRight(o.BaseURL, "/") + "\x00" + key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
