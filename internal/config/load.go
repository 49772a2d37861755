package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// EnvPrefix 为环境变量覆盖前缀。
const EnvPrefix = "RESTAT_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		OutputDir:   "out",
		Format:      "json",
		Concurrency: 1,
		MaxRetries:  0,
		Components: Components{
			Reader:        "fs",
			Splitter:      "csv",
			Writer:        "fs",
			PromptBuilder: "traceability",
			Decoder:       "linkjson",
			Assembler:     "artifact",
		},
		Eval: Eval{ResDir: "res", Mode: "matrix"},
	}
}

// LoadFile 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// raw 非空时按 JSON 解析；否则按扩展名选择：.yaml/.yml 为 YAML，其余为 JSON。
func LoadFile(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	yml := false
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
		ext := strings.ToLower(filepath.Ext(path))
		yml = ext == ".yaml" || ext == ".yml"
	default:
		return cfg, errors.New("no config source provided")
	}
	if yml {
		j, err := yamlToJSON(r)
		if err != nil {
			return cfg, fmt.Errorf("config yaml: %w", err)
		}
		r = bytes.NewReader(j)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config decode: %v: %w", err, contract.ErrInvalidInput)
	}
	return cfg, nil
}

// yamlToJSON 将 YAML 文档重编码为 JSON，使两种格式共用同一严格 schema。
func yamlToJSON(r io.Reader) ([]byte, error) {
	var doc any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML 把非字符串键的映射转为字符串键（encoding/json 仅接受后者）。
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, x := range t {
			t[k] = normalizeYAML(x)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[fmt.Sprint(k)] = normalizeYAML(x)
		}
		return m
	case []any:
		for i, x := range t {
			t[i] = normalizeYAML(x)
		}
		return t
	default:
		return v
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	setStr(&out.Requirements, over.Requirements)
	setStr(&out.Tests, over.Tests)
	setStr(&out.Mapping, over.Mapping)
	setStr(&out.Session, over.Session)
	setStr(&out.OutputDir, over.OutputDir)
	setStr(&out.Format, over.Format)
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.MaxTokens != 0 {
		out.MaxTokens = over.MaxTokens
	}
	// MaxRetries 的 0 具有语义（禁用重试）：over.MaxRetries >= 0 视为“存在”，-1 视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	// 布尔项只能被打开
	out.KeepRaw = out.KeepRaw || over.KeepRaw
	out.PersistHistory = out.PersistHistory || over.PersistHistory

	setStr(&out.SystemPrompt, over.SystemPrompt)
	setStr(&out.SystemPromptPath, over.SystemPromptPath)
	setStr(&out.PromptTemplate, over.PromptTemplate)
	setStr(&out.PromptTemplatePath, over.PromptTemplatePath)

	if over.Sampling.Temperature != nil {
		v := *over.Sampling.Temperature
		out.Sampling.Temperature = &v
	}
	if over.Sampling.Seed != nil {
		v := *over.Sampling.Seed
		out.Sampling.Seed = &v
	}
	if over.Sampling.MaxOutputTokens != 0 {
		out.Sampling.MaxOutputTokens = over.Sampling.MaxOutputTokens
	}
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Metrics.Textfile, over.Metrics.Textfile)

	// 组件名（空不覆盖）
	setStr(&out.Components.Reader, over.Components.Reader)
	setStr(&out.Components.Splitter, over.Components.Splitter)
	setStr(&out.Components.Writer, over.Components.Writer)
	setStr(&out.Components.PromptBuilder, over.Components.PromptBuilder)
	setStr(&out.Components.Decoder, over.Components.Decoder)
	setStr(&out.Components.Assembler, over.Components.Assembler)

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
	setRaw(&out.Options.Reader, over.Options.Reader)
	setRaw(&out.Options.Splitter, over.Options.Splitter)
	setRaw(&out.Options.Writer, over.Options.Writer)
	setRaw(&out.Options.PromptBuilder, over.Options.PromptBuilder)
	setRaw(&out.Options.Decoder, over.Options.Decoder)
	setRaw(&out.Options.Assembler, over.Options.Assembler)

	setStr(&out.LLM, over.LLM)
	setStr(&out.Eval.OutDir, over.Eval.OutDir)
	setStr(&out.Eval.ResDir, over.Eval.ResDir)
	setStr(&out.Eval.Mode, over.Eval.Mode)
	return out
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setRaw(dst *json.RawMessage, v json.RawMessage) {
	if len(v) > 0 {
		*dst = cloneRaw(v)
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合，前缀 RESTAT_）。
// 数值/布尔格式错误返回 ErrInvalidInput；集合外的键忽略。
// provider 键形如 PROVIDER__<name>__CLIENT / LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / OPTIONS_JSON。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// -1 表示未设置，以便 Merge 区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
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
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			continue
		}
		bad := func(err error) error {
			return fmt.Errorf("config env %s=%q: %v: %w", key, val, err, contract.ErrInvalidInput)
		}
		num := func(dst *int) error {
			n, err := strconv.Atoi(val)
			if err != nil {
				return bad(err)
			}
			*dst = n
			return nil
		}
		flag := func(dst *bool) error {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return bad(err)
			}
			*dst = b
			return nil
		}
		var err error
		switch nk := strings.TrimPrefix(key, EnvPrefix); nk {
		case "REQUIREMENTS":
			over.Requirements = val
		case "TESTS":
			over.Tests = val
		case "MAPPING":
			over.Mapping = val
		case "SESSION":
			over.Session = val
		case "OUTPUT_DIR":
			over.OutputDir = val
		case "FORMAT":
			over.Format = val
		case "CONCURRENCY":
			err = num(&over.Concurrency)
		case "MAX_TOKENS":
			err = num(&over.MaxTokens)
		case "MAX_RETRIES":
			err = num(&over.MaxRetries)
		case "KEEP_RAW":
			err = flag(&over.KeepRaw)
		case "PERSIST_HISTORY":
			err = flag(&over.PersistHistory)
		case "SYSTEM_PROMPT_PATH":
			over.SystemPromptPath = val
		case "PROMPT_TEMPLATE_PATH":
			over.PromptTemplatePath = val
		case "TEMPERATURE":
			f, perr := strconv.ParseFloat(val, 64)
			if perr != nil {
				err = bad(perr)
			} else {
				over.Sampling.Temperature = &f
			}
		case "SEED":
			var n int
			if err = num(&n); err == nil {
				over.Sampling.Seed = &n
			}
		case "MAX_OUTPUT_TOKENS":
			err = num(&over.Sampling.MaxOutputTokens)
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "METRICS_TEXTFILE":
			over.Metrics.Textfile = val
		case "LLM":
			over.LLM = val
		case "COMPONENTS_READER":
			over.Components.Reader = val
		case "COMPONENTS_SPLITTER":
			over.Components.Splitter = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = val
		case "COMPONENTS_DECODER":
			over.Components.Decoder = val
		case "COMPONENTS_ASSEMBLER":
			over.Components.Assembler = val
		case "EVAL_OUT_DIR":
			over.Eval.OutDir = val
		case "EVAL_RES_DIR":
			over.Eval.ResDir = val
		case "EVAL_MODE":
			over.Eval.Mode = val
		default:
			if !strings.HasPrefix(nk, "PROVIDER__") {
				continue
			}
			parts := strings.Split(nk, "__")
			if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			name := strings.TrimSpace(parts[1])
			p := prov[name]
			switch strings.Join(parts[2:], "__") {
			case "CLIENT":
				p.Client = val
			case "LIMITS_RPM":
				err = num(&p.Limits.RPM)
			case "LIMITS_TPM":
				err = num(&p.Limits.TPM)
			case "LIMITS_MAX_TOKENS_PER_REQ":
				err = num(&p.Limits.MaxTokensPerReq)
			case "OPTIONS_JSON":
				if !json.Valid([]byte(val)) {
					err = bad(errors.New("invalid json"))
				} else {
					p.Options = json.RawMessage(val)
				}
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

// LoadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
//   - 忽略不存在的文件；
//   - 跳过空行与以 # 开头的行；支持可选的前缀 "export "；
//   - 仅按首个 '=' 分割；成对的单/双引号去除，双引号内处理 \n \t \r \" \\；
//   - 不覆盖已存在的环境变量。
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
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := unquote(strings.TrimSpace(line[eq+1:]))
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

var dqEscapes = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`)

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		val = dqEscapes.Replace(val)
	}
	return val
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
