package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/registry"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("写入 %s 失败: %v", name, err)
	}
	return p
}

const jsonCfg = `{
  "requirements": "r.csv",
  "tests": "t.csv",
  "llm": "mock",
  "concurrency": 2,
  "sampling": {"temperature": 0.5, "seed": 7},
  "provider": {"mock": {"client": "mock", "options": {"mode": "all"}, "limits": {"rpm": 10}}},
  "options": {"writer": {"atomic": false}}
}`

const yamlCfg = `
requirements: r.csv
tests: t.csv
llm: mock
concurrency: 2
sampling:
  temperature: 0.5
  seed: 7
provider:
  mock:
    client: mock
    options:
      mode: all
    limits:
      rpm: 10
options:
  writer:
    atomic: false
`

// 解析 JSON 与 YAML 配置得到同一结果
func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()
	fromJSON, err := LoadFile(writeFile(t, dir, "c.json", jsonCfg), nil)
	if err != nil {
		t.Fatalf("JSON 加载失败: %v", err)
	}
	fromYAML, err := LoadFile(writeFile(t, dir, "c.yaml", yamlCfg), nil)
	if err != nil {
		t.Fatalf("YAML 加载失败: %v", err)
	}
	for _, c := range []Config{fromJSON, fromYAML} {
		if c.LLM != "mock" || c.Concurrency != 2 || c.Requirements != "r.csv" {
			t.Fatalf("字段映射错误: %+v", c)
		}
		if c.Sampling.Temperature == nil || *c.Sampling.Temperature != 0.5 || c.Sampling.Seed == nil || *c.Sampling.Seed != 7 {
			t.Fatalf("sampling 错误: %+v", c.Sampling)
		}
		var mo struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(c.Provider["mock"].Options, &mo); err != nil || mo.Mode != "all" {
			t.Fatalf("provider options 错误: %s", c.Provider["mock"].Options)
		}
		if c.Provider["mock"].Limits.RPM != 10 {
			t.Fatalf("limits 错误: %+v", c.Provider["mock"].Limits)
		}
	}
	raw, err := LoadFile("", []byte(jsonCfg))
	if err != nil || raw.LLM != "mock" {
		t.Fatalf("原始 JSON 加载失败: %v", err)
	}
}

// 未知字段在 JSON 与 YAML 中均被拒绝
func TestLoadFileUnknown(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFile("", []byte(`{"unknown":1}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("JSON 未知字段应失败: %v", err)
	}
	if _, err := LoadFile(writeFile(t, dir, "c.yml", "llm: mock\nbogus: 1\n"), nil); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("YAML 未知字段应失败: %v", err)
	}
	if _, err := LoadFile("", nil); err == nil {
		t.Fatalf("无配置源应失败")
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.json"), nil); !os.IsNotExist(errors.Unwrap(err)) && !os.IsNotExist(err) {
		t.Fatalf("缺失文件应返回 NotExist: %v", err)
	}
}

func TestEmptyYAML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, t.TempDir(), "empty.yaml", ""), nil)
	if err != nil {
		t.Fatalf("空 YAML 应得到零值配置: %v", err)
	}
	if cfg.LLM != "" {
		t.Fatalf("期望零值: %+v", cfg)
	}
}

// ENV 覆盖部分字段
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"RESTAT_REQUIREMENTS=req.csv",
		"RESTAT_CONCURRENCY=3",
		"RESTAT_MAX_RETRIES=0",
		"RESTAT_KEEP_RAW=true",
		"RESTAT_TEMPERATURE=0.2",
		"RESTAT_SEED=42",
		"RESTAT_LLM=mock",
		"RESTAT_EVAL_MODE=label",
		"RESTAT_PROVIDER__mock__CLIENT=mock",
		"RESTAT_PROVIDER__mock__LIMITS_RPM=5",
		`RESTAT_PROVIDER__mock__OPTIONS_JSON={"mode":"first"}`,
		"RESTAT_UNKNOWN=1",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.LLM != "mock" || over.Concurrency != 3 || over.Requirements != "req.csv" || !over.KeepRaw {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.MaxRetries != 0 {
		t.Fatalf("显式 0 应保留: %d", over.MaxRetries)
	}
	if *over.Sampling.Temperature != 0.2 || *over.Sampling.Seed != 42 || over.Eval.Mode != "label" {
		t.Fatalf("sampling/eval 覆盖错误: %+v", over)
	}
	p := over.Provider["mock"]
	if p.Client != "mock" || p.Limits.RPM != 5 || string(p.Options) != `{"mode":"first"}` {
		t.Fatalf("provider 覆盖错误: %+v", p)
	}

	none, _ := EnvOverlay(nil)
	if none.MaxRetries != -1 {
		t.Fatalf("未设置时应为 -1: %d", none.MaxRetries)
	}
	for _, bad := range []string{"RESTAT_CONCURRENCY=x", "RESTAT_KEEP_RAW=maybe", "RESTAT_PROVIDER__a__OPTIONS_JSON={"} {
		if _, err := EnvOverlay([]string{bad}); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("%s 应失败: %v", bad, err)
		}
	}
}

func TestMergePrecedence(t *testing.T) {
	base := Defaults()
	base.MaxRetries = 3
	base.Provider = map[string]Provider{"a": {Client: "mock"}}
	over := Config{MaxRetries: -1, Concurrency: 4, Provider: map[string]Provider{"b": {Client: "flaky"}}}
	out := Merge(base, over)
	if out.MaxRetries != 3 || out.Concurrency != 4 {
		t.Fatalf("合并错误: %+v", out)
	}
	if len(out.Provider) != 2 || len(base.Provider) != 1 {
		t.Fatalf("provider 合并错误或修改了 base: %v / %v", out.Provider, base.Provider)
	}
	out = Merge(out, Config{MaxRetries: 0, Components: Components{Writer: " fs "}})
	if out.MaxRetries != 0 || out.Components.Writer != "fs" || out.Components.Splitter != "csv" {
		t.Fatalf("显式 0 与组件名覆盖错误: %+v", out)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, ".env", strings.Join([]string{
		"# comment",
		"export RESTAT_T_A=plain",
		`RESTAT_T_B="line\nnext"`,
		"RESTAT_T_C='single'",
		"RESTAT_T_KEEP=fromfile",
		"garbage",
	}, "\n"))
	t.Setenv("RESTAT_T_KEEP", "fromenv")
	for _, k := range []string{"RESTAT_T_A", "RESTAT_T_B", "RESTAT_T_C"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv 失败: %v", err)
	}
	if os.Getenv("RESTAT_T_A") != "plain" || os.Getenv("RESTAT_T_B") != "line\nnext" || os.Getenv("RESTAT_T_C") != "single" {
		t.Fatalf("解析错误: %q %q %q", os.Getenv("RESTAT_T_A"), os.Getenv("RESTAT_T_B"), os.Getenv("RESTAT_T_C"))
	}
	if os.Getenv("RESTAT_T_KEEP") != "fromenv" {
		t.Fatalf("不应覆盖已有 ENV")
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing")); err != nil {
		t.Fatalf("缺失文件应忽略: %v", err)
	}
}

// Validate 错误分支
func TestValidateErrors(t *testing.T) {
	if err := Validate(DefaultTemplateConfig()); err != nil {
		t.Fatalf("模板应通过校验: %v", err)
	}
	cases := map[string]func(*Config){
		"empty":        func(c *Config) { *c = Config{} },
		"no provider":  func(c *Config) { c.LLM = "nope" },
		"client empty": func(c *Config) { c.Provider = map[string]Provider{"mock": {}} },
		"bad client":   func(c *Config) { c.Provider = map[string]Provider{"mock": {Client: "nope"}} },
		"concurrency":  func(c *Config) { c.Concurrency = 0 },
		"retries":      func(c *Config) { c.MaxRetries = -1 },
		"level":        func(c *Config) { c.Logging.Level = "loud" },
		"format":       func(c *Config) { c.Format = "xml" },
		"temperature":  func(c *Config) { v := 3.0; c.Sampling.Temperature = &v },
		"budget":       func(c *Config) { c.MaxTokens = 20000 },
		"splitter":     func(c *Config) { c.Components.Splitter = "srt" },
	}
	for name, mut := range cases {
		cfg := DefaultTemplateConfig()
		mut(&cfg)
		if err := Validate(cfg); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("%s: 期望 ErrInvalidInput, 实得 %v", name, err)
		}
	}
}

func TestValidateRunAndEval(t *testing.T) {
	cfg := DefaultTemplateConfig()
	if err := ValidateRun(cfg); err != nil {
		t.Fatalf("模板应通过 run 校验: %v", err)
	}
	cfg.PersistHistory = true
	cfg.Concurrency = 2
	if err := ValidateRun(cfg); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("persist_history 与并发应冲突: %v", err)
	}
	cfg = DefaultTemplateConfig()
	cfg.Tests = ""
	if err := ValidateRun(cfg); err == nil {
		t.Fatalf("缺少 tests 应失败")
	}

	ev := Config{Requirements: "r", Tests: "t", Mapping: "m"}
	if err := ValidateEval(ev); err != nil {
		t.Fatalf("eval 不要求 provider: %v", err)
	}
	ev.Eval.Mode = "bogus"
	if err := ValidateEval(ev); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未知模式应失败: %v", err)
	}
	ev = Config{Requirements: "r", Tests: "t"}
	if err := ValidateEval(ev); err == nil {
		t.Fatalf("缺少 mapping 应失败")
	}
}

func TestAssemble(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.OutputDir = t.TempDir()
	cfg.Concurrency = 3
	cfg.KeepRaw = true
	cfg.Sampling.MaxOutputTokens = 64
	cfg.PromptTemplate = "R: {req}\nT: {tests}"
	cfg.Format = "yaml"
	a, err := Assemble(cfg, registry.Deps{})
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if a.Engine.Backend == nil || a.Engine.PromptBuilder == nil || a.Engine.Decoder == nil || a.Splitter == nil || a.Writer == nil {
		t.Fatalf("组件缺失: %+v", a)
	}
	if a.Assembler.Ext() != "yaml" {
		t.Fatalf("format 叠加失败: %s", a.Assembler.Ext())
	}
	s := a.Settings
	if s.Concurrency != 3 || !s.KeepRaw || s.Sampling.MaxOutputTokens != 64 || s.Sampling.Seed == nil || s.Gate == nil || s.GateKey == "" {
		t.Fatalf("设置错误: %+v", s)
	}
	if s.GateKey != a.GateKey || !strings.HasPrefix(string(a.GateKey), "mock:") {
		t.Fatalf("分组键错误: %s", a.GateKey)
	}

	bad := DefaultTemplateConfig()
	bad.OutputDir = t.TempDir()
	bad.PromptTemplate = "no placeholders"
	if _, err := Assemble(bad, registry.Deps{}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("缺少占位符的模板应失败: %v", err)
	}
}

func TestAssembleEval(t *testing.T) {
	root := t.TempDir()
	cfg := Defaults()
	cfg.Requirements, cfg.Tests, cfg.Mapping = "r.csv", "t.csv", "m.csv"
	cfg.OutputDir = filepath.Join(root, "out")
	cfg.Eval.ResDir = filepath.Join(root, "res")
	cfg.Eval.Mode = "label"
	a, err := AssembleEval(cfg)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if a.OutDir != cfg.OutputDir || a.Mode != "label" || a.Runner.Reader == nil || a.Runner.ResWriter == nil || a.Splitter == nil {
		t.Fatalf("eval 装配错误: %+v", a)
	}
	cfg.Eval.OutDir = filepath.Join(root, "elsewhere")
	a, _ = AssembleEval(cfg)
	if a.OutDir != cfg.Eval.OutDir {
		t.Fatalf("eval.out_dir 应优先: %s", a.OutDir)
	}
}

func TestOverlay(t *testing.T) {
	out, err := overlay(json.RawMessage(`{"a":1,"b":"x"}`), map[string]any{"b": "y", "c": "", "d": true})
	if err != nil {
		t.Fatalf("overlay 失败: %v", err)
	}
	var m map[string]any
	_ = json.Unmarshal(out, &m)
	if m["a"].(float64) != 1 || m["b"] != "y" || m["d"] != true {
		t.Fatalf("overlay 结果错误: %s", out)
	}
	if _, ok := m["c"]; ok {
		t.Fatalf("空字符串不应写入: %s", out)
	}
	same, _ := overlay(json.RawMessage(`{"a":1}`), map[string]any{"a": ""})
	if string(same) != `{"a":1}` {
		t.Fatalf("未变更时应原样返回: %s", same)
	}
	if _, err := overlay(json.RawMessage(`[1]`), map[string]any{"a": "b"}); err == nil {
		t.Fatalf("非对象应失败")
	}
}

func TestDotEnvTemplate(t *testing.T) {
	s := DotEnvTemplate()
	for _, k := range []string{"RESTAT_CONFIG_FILE=", "RESTAT_PROVIDER__ollama__OPTIONS_JSON=", "OPENAI_API_KEY="} {
		if !strings.Contains(s, k) {
			t.Fatalf("模板缺少 %s", k)
		}
	}
}
