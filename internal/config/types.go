package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败（YAML 经 JSON 同一 schema 严格解码）。
type Config struct {
	// 语料与真值映射表路径。
	Requirements string `json:"requirements"`
	Tests        string `json:"tests"`
	Mapping      string `json:"mapping"`

	// Session: 运行工件的首个路径段；为空时取 provider 名称。
	Session   string `json:"session"`
	OutputDir string `json:"output_dir"`
	// Format: 工件格式 json|yaml。
	Format string `json:"format" validate:"omitempty,oneof=json yaml yml"`

	Concurrency int `json:"concurrency" validate:"gte=1"`
	// MaxTokens: 单次请求估算上限；0 表示不限制。
	MaxTokens int `json:"max_tokens" validate:"gte=0"`
	// MaxRetries: 限流/网络错误的最大重试次数（>=0）。0 表示不重试。
	MaxRetries     int  `json:"max_retries" validate:"gte=0"`
	KeepRaw        bool `json:"keep_raw"`
	PersistHistory bool `json:"persist_history"`

	// 提示文本（内联或文件，二选一；覆盖 options.prompt_builder 中的同名项）。
	SystemPrompt       string `json:"system_prompt"`
	SystemPromptPath   string `json:"system_prompt_path"`
	PromptTemplate     string `json:"prompt_template"`
	PromptTemplatePath string `json:"prompt_template_path"`

	Sampling Sampling `json:"sampling"`
	Logging  Logging  `json:"logging"`
	Metrics  Metrics  `json:"metrics"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm" validate:"required"`
	Provider map[string]Provider `json:"provider" validate:"dive"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`

	Eval Eval `json:"eval"`
}

// Sampling: 采样参数；Temperature/Seed 为 nil 时不覆盖后端默认。
type Sampling struct {
	Temperature     *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Seed            *int     `json:"seed"`
	MaxOutputTokens int      `json:"max_output_tokens" validate:"gte=0"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Metrics: 运行结束后写出 Prometheus 文本格式快照；为空则不写。
type Metrics struct {
	Textfile string `json:"textfile"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader        string `json:"reader"`
	Splitter      string `json:"splitter"`
	Writer        string `json:"writer"`
	PromptBuilder string `json:"prompt_builder"`
	Decoder       string `json:"decoder"`
	Assembler     string `json:"assembler"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader        json.RawMessage `json:"reader"`
	Splitter      json.RawMessage `json:"splitter"`
	Writer        json.RawMessage `json:"writer"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Decoder       json.RawMessage `json:"decoder"`
	Assembler     json.RawMessage `json:"assembler"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client" validate:"required"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm" validate:"gte=0"`
	TPM             int `json:"tpm" validate:"gte=0"`
	MaxTokensPerReq int `json:"max_tokens_per_req" validate:"gte=0"`
}

// Eval: 评估遍历配置。
type Eval struct {
	// OutDir: 运行工件根目录；为空时取 output_dir。
	OutDir string `json:"out_dir"`
	// ResDir: 汇总与 res.log 输出目录；默认 "res"。
	ResDir string `json:"res_dir"`
	Mode   string `json:"mode" validate:"omitempty,oneof=matrix label"`
}
