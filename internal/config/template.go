package config

import (
	"encoding/json"
	"strings"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock 后端与合理限额（本地/离线调试友好）；
// - 语料与映射表指向 ./data 下的 CSV，工件输出到 ./out；
// - 列出 openai/gemini/ollama 的全部选项键（值可为空/默认）。
func DefaultTemplateConfig() Config {
	d := Defaults()
	temp := 0.0
	seed := 0
	cfg := Config{
		Requirements: "data/requirements.csv",
		Tests:        "data/tests.csv",
		Mapping:      "data/mapping.csv",
		OutputDir:    d.OutputDir,
		Format:       d.Format,
		Concurrency:  d.Concurrency,
		MaxTokens:    8192,
		MaxRetries:   2,
		Sampling:     Sampling{Temperature: &temp, Seed: &seed},
		Logging:      Logging{Level: "info"},
		Metrics:      Metrics{Textfile: "logs/metrics.prom"},
		Components:   d.Components,
		LLM:          "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"mode":"first","model":"mock"}`),
				Limits:  Limits{RPM: 600, TPM: 1000000, MaxTokensPerReq: 16384},
			},
			"openai": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4o-mini",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "org_id": "",
  "timeout_seconds": 60,
  "disable_default_auth": false,
  "extra_headers": {}
}`),
				Limits: Limits{RPM: 500, TPM: 200000},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 60,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {}
}`),
			},
			"ollama": {
				Client: "ollama",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "llama3.1:8b",
  "keep_alive": "30m",
  "num_ctx": 0,
  "timeout_seconds": 300,
  "skip_warmup": false
}`),
			},
		},
		Eval: Eval{ResDir: d.Eval.ResDir, Mode: d.Eval.Mode},
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git"]
}`)
	cfg.Options.Splitter = json.RawMessage(`{
  "comma": ",",
  "lazy_quotes": false,
  "trim_header": false
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "atomic": true
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{}`)
	cfg.Options.Decoder = json.RawMessage(`{"keep_space": false}`)
	cfg.Options.Assembler = json.RawMessage(`{"indent": 2}`)
	return cfg
}

// DotEnvTemplate 返回 .env 模板文本：列出支持的覆盖项与常见供应商密钥，值为空。
func DotEnvTemplate() string {
	var b strings.Builder
	b.WriteString("# restat .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	section := func(title string, keys ...string) {
		b.WriteString("# " + title + "\n")
		for _, k := range keys {
			b.WriteString(k + "=\n")
		}
		b.WriteString("\n")
	}
	section("配置来源（可二选一）", EnvPrefix+"CONFIG_FILE", EnvPrefix+"CONFIG_JSON")
	section("语料与输出",
		EnvPrefix+"REQUIREMENTS", EnvPrefix+"TESTS", EnvPrefix+"MAPPING",
		EnvPrefix+"SESSION", EnvPrefix+"OUTPUT_DIR", EnvPrefix+"FORMAT")
	section("运行参数",
		EnvPrefix+"LLM", EnvPrefix+"CONCURRENCY", EnvPrefix+"MAX_TOKENS", EnvPrefix+"MAX_RETRIES",
		EnvPrefix+"KEEP_RAW", EnvPrefix+"PERSIST_HISTORY",
		EnvPrefix+"TEMPERATURE", EnvPrefix+"SEED", EnvPrefix+"MAX_OUTPUT_TOKENS",
		EnvPrefix+"LOG_LEVEL", EnvPrefix+"METRICS_TEXTFILE")
	section("评估", EnvPrefix+"EVAL_OUT_DIR", EnvPrefix+"EVAL_RES_DIR", EnvPrefix+"EVAL_MODE")
	for _, p := range []string{"openai", "gemini", "ollama"} {
		pre := EnvPrefix + "PROVIDER__" + p + "__"
		section("Provider 覆盖（"+p+"）",
			pre+"CLIENT", pre+"LIMITS_RPM", pre+"LIMITS_TPM", pre+"LIMITS_MAX_TOKENS_PER_REQ", pre+"OPTIONS_JSON")
	}
	section("常见供应商 API Key", "OPENAI_API_KEY", "GOOGLE_API_KEY", "OLLAMA_BASE_URL")
	return b.String()
}
