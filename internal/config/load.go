package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// EnvPrefix 环境变量覆盖前缀。
const EnvPrefix = "BLUEBOOKIFY_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		BatchSize:    20,
		ContextWidth: 100,
		MaxRetries:   0,
		Logging:      Logging{Level: "info"},
		Components: Components{
			Reader:        "fs",
			Extractor:     "bluebook",
			Batcher:       "fixed",
			PromptBuilder: "bluebook",
			Decoder:       "citejson",
			Applier:       "splice",
			Writer:        "fs",
			Audit:         "jsonl",
		},
	}
}

// Load 从文件路径或原始字节解析 Config。
// .yaml/.yml（或非 '{' 开头的原始内容）按 YAML 解码后转为 JSON，再走同一严格 JSON 路径，
// 因此两种格式对未知字段的处理一致。
// 返回值是覆盖层：文件中未出现的 context_width/max_retries 保持“未覆盖”，需与 Defaults 合并。
func Load(path string, raw []byte) (Config, error) {
	if len(raw) == 0 {
		if path == "" {
			return Config{}, fmt.Errorf("%w: no config source provided", contract.ErrConfig)
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		raw = b
	}
	if isYAML(path, raw) {
		j, err := yamlToJSON(raw)
		if err != nil {
			return Config{}, err
		}
		raw = j
	}
	cfg := Overlay()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", contract.ErrConfig, err)
	}
	return cfg, nil
}

func isYAML(path string, raw []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	t := bytes.TrimSpace(raw)
	return len(t) > 0 && t[0] != '{'
}

func yamlToJSON(raw []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: yaml: %v", contract.ErrConfig, err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		// 非字符串键等无法映射为 JSON 的结构
		return nil, fmt.Errorf("%w: yaml: %v", contract.ErrConfig, err)
	}
	return b, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if len(over.Inputs) > 0 {
		out.Inputs = cloneStrings(over.Inputs)
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}
	// context_width / max_retries 的 0 有语义：unset(-1) 视为未覆盖
	if over.ContextWidth != unset {
		out.ContextWidth = over.ContextWidth
	}
	if over.MaxRetries != unset {
		out.MaxRetries = over.MaxRetries
	}
	if over.Rules != "" {
		out.Rules = over.Rules
	}
	if strings.TrimSpace(over.RulesPath) != "" {
		out.RulesPath = strings.TrimSpace(over.RulesPath)
	}
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	// 组件名（空不覆盖）
	pick := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	pick(&out.Components.Reader, over.Components.Reader)
	pick(&out.Components.Extractor, over.Components.Extractor)
	pick(&out.Components.Batcher, over.Components.Batcher)
	pick(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	pick(&out.Components.Decoder, over.Components.Decoder)
	pick(&out.Components.Applier, over.Components.Applier)
	pick(&out.Components.Writer, over.Components.Writer)
	pick(&out.Components.Audit, over.Components.Audit)

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	raw := func(dst *json.RawMessage, v json.RawMessage) {
		if len(v) > 0 {
			*dst = cloneRaw(v)
		}
	}
	raw(&out.Options.Reader, over.Options.Reader)
	raw(&out.Options.Extractor, over.Options.Extractor)
	raw(&out.Options.Batcher, over.Options.Batcher)
	raw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	raw(&out.Options.Decoder, over.Options.Decoder)
	raw(&out.Options.Applier, over.Options.Applier)
	raw(&out.Options.Writer, over.Options.Writer)
	raw(&out.Options.Audit, over.Options.Audit)

	pick(&out.LLM, over.LLM)
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合，其余忽略）。
// 支持：INPUTS, BATCH_SIZE, CONTEXT_WIDTH, MAX_RETRIES, RULES, RULES_PATH, LOG_LEVEL, LLM, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
// 数值键解析失败视为配置错误。
func EnvOverlay(environ []string) (Config, error) {
	over := Overlay()
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			continue
		}
		nk := strings.TrimPrefix(key, EnvPrefix)
		num := func(dst *int) error {
			v, err := atoi(val)
			if err != nil {
				return fmt.Errorf("%w: %s=%q is not an integer", contract.ErrConfig, key, val)
			}
			*dst = v
			return nil
		}
		var err error
		switch nk {
		case "INPUTS":
			over.Inputs = splitComma(val)
		case "BATCH_SIZE":
			err = num(&over.BatchSize)
		case "CONTEXT_WIDTH":
			err = num(&over.ContextWidth)
		case "MAX_RETRIES":
			err = num(&over.MaxRetries)
		case "RULES":
			over.Rules = val
		case "RULES_PATH":
			over.RulesPath = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "COMPONENTS_READER":
			over.Components.Reader = strings.TrimSpace(val)
		case "COMPONENTS_EXTRACTOR":
			over.Components.Extractor = strings.TrimSpace(val)
		case "COMPONENTS_BATCHER":
			over.Components.Batcher = strings.TrimSpace(val)
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_DECODER":
			over.Components.Decoder = strings.TrimSpace(val)
		case "COMPONENTS_APPLIER":
			over.Components.Applier = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		case "COMPONENTS_AUDIT":
			over.Components.Audit = strings.TrimSpace(val)
		default:
			// PROVIDER__name__FIELD
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.SplitN(nk, "__", 3)
			if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			name := strings.TrimSpace(parts[1])
			p := prov[name]
			switch parts[2] {
			case "CLIENT":
				p.Client = strings.TrimSpace(val)
			case "LIMITS_RPM":
				err = num(&p.Limits.RPM)
			case "LIMITS_TPM":
				err = num(&p.Limits.TPM)
			case "LIMITS_MAX_TOKENS_PER_REQ":
				err = num(&p.Limits.MaxTokensPerReq)
			case "OPTIONS_JSON":
				if !json.Valid([]byte(val)) {
					err = fmt.Errorf("%w: %s is not valid JSON", contract.ErrConfig, key)
				}
				p.Options = json.RawMessage(val)
			default:
				continue
			}
			prov[name] = p
		}
		if err != nil {
			return Config{}, err
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

// LoadDotEnv 读取简单的 .env 文件并注入进程环境。
// 跳过空行与 # 注释；支持可选前缀 "export "；按首个 '=' 分割；
// 成对的单/双引号被去除（双引号内处理 \n \t \r \" \\）。
// 不覆盖已存在的环境变量；文件不存在时返回 nil。
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func parseDotEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:eq])
	val := strings.TrimSpace(line[eq+1:])
	if len(val) >= 2 {
		q := val[0]
		if (q == '\'' || q == '"') && val[len(val)-1] == q {
			val = val[1 : len(val)-1]
			if q == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
	}
	return key, val, key != ""
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
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

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
