package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/engine"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/eval"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/rate"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/registry"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// 报错使用 JSON 键名
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate 对通用边界做静态校验：结构标签 + provider 选择 + 注册表名称。
func Validate(cfg Config) error {
	if err := structValidator().Struct(cfg); err != nil {
		return fmt.Errorf("config: %v: %w", err, contract.ErrInvalidInput)
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: %w: provider %q not found", contract.ErrInvalidInput, cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: %w: max_tokens(%d) exceeds provider.max_tokens_per_req(%d)", contract.ErrInvalidInput, cfg.MaxTokens, prov.Limits.MaxTokensPerReq)
	}
	d := Defaults().Components
	checks := []struct {
		kind, name string
		ok         bool
	}{
		{"reader", effName(cfg.Components.Reader, d.Reader), registry.Reader[effName(cfg.Components.Reader, d.Reader)] != nil},
		{"splitter", effName(cfg.Components.Splitter, d.Splitter), registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)] != nil},
		{"prompt_builder", effName(cfg.Components.PromptBuilder, d.PromptBuilder), registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)] != nil},
		{"decoder", effName(cfg.Components.Decoder, d.Decoder), registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)] != nil},
		{"assembler", effName(cfg.Components.Assembler, d.Assembler), registry.Assembler[effName(cfg.Components.Assembler, d.Assembler)] != nil},
		{"writer", effName(cfg.Components.Writer, d.Writer), registry.Writer[effName(cfg.Components.Writer, d.Writer)] != nil},
		{"backend", prov.Client, registry.Backend[prov.Client] != nil},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("config: %w: %s %q not registered", contract.ErrInvalidInput, c.kind, c.name)
		}
	}
	return nil
}

// ValidateRun 在 Validate 之上校验 run 子命令的必需项。
func ValidateRun(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Requirements) == "" || strings.TrimSpace(cfg.Tests) == "" {
		return fmt.Errorf("config: %w: requirements and tests paths are required", contract.ErrInvalidInput)
	}
	if cfg.PersistHistory && cfg.Concurrency > 1 {
		return fmt.Errorf("config: %w: persist_history requires concurrency 1", contract.ErrInvalidInput)
	}
	return nil
}

// ValidateEval 校验 eval 子命令的必需项（不要求 provider）。
func ValidateEval(cfg Config) error {
	if strings.TrimSpace(cfg.Requirements) == "" || strings.TrimSpace(cfg.Tests) == "" || strings.TrimSpace(cfg.Mapping) == "" {
		return fmt.Errorf("config: %w: requirements, tests and mapping paths are required", contract.ErrInvalidInput)
	}
	v := structValidator()
	for _, c := range []struct{ name, val, tag string }{
		{"format", cfg.Format, "omitempty,oneof=json yaml yml"},
		{"eval.mode", cfg.Eval.Mode, "omitempty,oneof=matrix label"},
		{"logging.level", cfg.Logging.Level, "omitempty,oneof=debug info warn error"},
	} {
		if err := v.Var(c.val, c.tag); err != nil {
			return fmt.Errorf("config: %w: %s=%q", contract.ErrInvalidInput, c.name, c.val)
		}
	}
	return nil
}

// Assembly: run 子命令装配结果。
type Assembly struct {
	Splitter  contract.Splitter
	Engine    engine.Components
	Settings  engine.Settings
	Assembler contract.Assembler
	Writer    contract.Writer
	Gate      rate.Gate
	GateKey   rate.LimitKey
}

// Assemble 构造 run 所需组件、引擎设置与限流 Gate+Key。
// 严格 Options 解析在 registry（工厂）层进行；顶层快捷项（提示、格式、输出目录）叠加到对应 Options。
func Assemble(cfg Config, deps registry.Deps) (Assembly, error) {
	if err := ValidateRun(cfg); err != nil {
		return Assembly{}, err
	}
	d := Defaults().Components

	sp, err := registry.Splitter[effName(cfg.Components.Splitter, d.Splitter)](cfg.Options.Splitter)
	if err != nil {
		return Assembly{}, err
	}
	pbRaw, err := overlay(cfg.Options.PromptBuilder, map[string]any{
		"inline_system_prompt": cfg.SystemPrompt,
		"system_prompt_path":   cfg.SystemPromptPath,
		"inline_template":      cfg.PromptTemplate,
		"template_path":        cfg.PromptTemplatePath,
	})
	if err != nil {
		return Assembly{}, err
	}
	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](pbRaw)
	if err != nil {
		return Assembly{}, err
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, d.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return Assembly{}, err
	}
	asm, err := newAssembler(cfg)
	if err != nil {
		return Assembly{}, err
	}
	// 运行工件从不覆盖已有结果
	w, err := newWriter(cfg, cfg.OutputDir, true)
	if err != nil {
		return Assembly{}, err
	}

	prov := cfg.Provider[cfg.LLM]
	be, err := registry.Backend[prov.Client](prov.Options, deps)
	if err != nil {
		return Assembly{}, err
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key，失败退化为 provider 名称）
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	smp := contract.Sampling{MaxOutputTokens: cfg.Sampling.MaxOutputTokens}
	if cfg.Sampling.Temperature != nil {
		smp.Temperature = *cfg.Sampling.Temperature
	}
	if cfg.Sampling.Seed != nil {
		v := *cfg.Sampling.Seed
		smp.Seed = &v
	}

	return Assembly{
		Splitter:  sp,
		Engine:    engine.Components{PromptBuilder: pb, Backend: be, Decoder: dec},
		Assembler: asm,
		Writer:    w,
		Gate:      gate,
		GateKey:   key,
		Settings: engine.Settings{
			Concurrency:    cfg.Concurrency,
			MaxTokens:      cfg.MaxTokens,
			MaxRetries:     cfg.MaxRetries,
			Sampling:       smp,
			PersistHistory: cfg.PersistHistory,
			KeepRaw:        cfg.KeepRaw,
			Gate:           gate,
			GateKey:        key,
		},
	}, nil
}

// EvalAssembly: eval 子命令装配结果。
type EvalAssembly struct {
	Splitter contract.Splitter
	Runner   *eval.Runner
	OutDir   string
	Mode     string
}

// AssembleEval 构造评估遍历所需组件（真值与测试全集由调用方加载后填入 Runner）。
func AssembleEval(cfg Config) (EvalAssembly, error) {
	if err := ValidateEval(cfg); err != nil {
		return EvalAssembly{}, err
	}
	d := Defaults()
	outDir := effName(cfg.Eval.OutDir, effName(cfg.OutputDir, d.OutputDir))
	resDir := effName(cfg.Eval.ResDir, d.Eval.ResDir)

	spf := registry.Splitter[effName(cfg.Components.Splitter, d.Components.Splitter)]
	rdf := registry.Reader[effName(cfg.Components.Reader, d.Components.Reader)]
	if spf == nil || rdf == nil {
		return EvalAssembly{}, fmt.Errorf("config: %w: splitter/reader not registered", contract.ErrInvalidInput)
	}
	sp, err := spf(cfg.Options.Splitter)
	if err != nil {
		return EvalAssembly{}, err
	}
	rdRaw, err := overlay(cfg.Options.Reader, map[string]any{"names": eval.RunNames})
	if err != nil {
		return EvalAssembly{}, err
	}
	rd, err := rdf(rdRaw)
	if err != nil {
		return EvalAssembly{}, err
	}
	asm, err := newAssembler(cfg)
	if err != nil {
		return EvalAssembly{}, err
	}
	runW, err := newWriter(cfg, outDir, false)
	if err != nil {
		return EvalAssembly{}, err
	}
	resW, err := newWriter(cfg, resDir, false)
	if err != nil {
		return EvalAssembly{}, err
	}
	return EvalAssembly{
		Splitter: sp,
		Runner:   &eval.Runner{Reader: rd, RunWriter: runW, ResWriter: resW, Assembler: asm},
		OutDir:   outDir,
		Mode:     effName(cfg.Eval.Mode, d.Eval.Mode),
	}, nil
}

func newAssembler(cfg Config) (contract.Assembler, error) {
	f := registry.Assembler[effName(cfg.Components.Assembler, Defaults().Components.Assembler)]
	if f == nil {
		return nil, fmt.Errorf("config: %w: assembler not registered", contract.ErrInvalidInput)
	}
	raw, err := overlay(cfg.Options.Assembler, map[string]any{"format": cfg.Format})
	if err != nil {
		return nil, err
	}
	return f(raw)
}

func newWriter(cfg Config, dir string, noClobber bool) (contract.Writer, error) {
	f := registry.Writer[effName(cfg.Components.Writer, Defaults().Components.Writer)]
	if f == nil {
		return nil, fmt.Errorf("config: %w: writer not registered", contract.ErrInvalidInput)
	}
	raw, err := overlay(cfg.Options.Writer, map[string]any{"output_dir": dir, "no_clobber": noClobber})
	if err != nil {
		return nil, err
	}
	return f(raw)
}

// overlay 将非零值写入原样 JSON 对象的对应键；空字符串/nil 不覆盖。
func overlay(raw json.RawMessage, set map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("config options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	changed := false
	for k, v := range set {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if v == nil {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = b
		changed = true
	}
	if !changed {
		return raw, nil
	}
	return json.Marshal(obj)
}

func effName(got, def string) string {
	if strings.TrimSpace(got) == "" {
		return def
	}
	return strings.TrimSpace(got)
}
