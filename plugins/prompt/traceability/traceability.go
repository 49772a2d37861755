package traceability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// 模板占位符（按字面替换）。
const (
	PlaceholderReq   = "{req}"
	PlaceholderTests = "{tests}"
)

// DefaultSystemPrompt 为未配置时使用的 system 提示。
const DefaultSystemPrompt = "You are a helpful assistant."

// DefaultTemplate 为默认 user 模板。
const DefaultTemplate = `I have this requirement:

{req}

Would you say that any of the test cases listed below are testing the requirement? If yes, answer ONLY with a JSON array of the IDs of the test cases that are testing the requirement, for example:

["T-0", "T-3"]

If no test case is testing the requirement, answer ONLY with an empty JSON array:

[]

DO NOT ADD ANY TEXT BEFORE OR AFTER THE SQUARE BRACKETS.

The test cases are:

{tests}

Your answer will be parsed by a program, therefore ONLY ANSWER IN THE FORM GIVEN ABOVE.`

// Options 为需求追踪 PromptBuilder 的最小配置。
// - InlineSystemPrompt / SystemPromptPath: system 提示（二选一，均为空时使用 DefaultSystemPrompt）。
// - InlineTemplate / TemplatePath: user 模板（二选一，均为空时使用 DefaultTemplate）。
type Options struct {
	InlineSystemPrompt string `json:"inline_system_prompt"`
	SystemPromptPath   string `json:"system_prompt_path"`
	InlineTemplate     string `json:"inline_template"`
	TemplatePath       string `json:"template_path"`
}

// Builder: 以单条需求 + 全部测试构造 ChatPrompt（system+user）。
// 运行期不做 I/O；提示文本在构造期加载并校验。
type Builder struct {
	system   string
	template string
}

// New 创建 PromptBuilder。自定义模板缺少任一占位符时返回 ErrInvalidInput。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	sys, err := pick(o.InlineSystemPrompt, o.SystemPromptPath, DefaultSystemPrompt, "system prompt")
	if err != nil {
		return nil, err
	}
	tpl, err := pick(o.InlineTemplate, o.TemplatePath, DefaultTemplate, "template")
	if err != nil {
		return nil, err
	}
	if err := CheckTemplate(tpl); err != nil {
		return nil, err
	}
	return &Builder{system: sys, template: tpl}, nil
}

func pick(inline, path, def, what string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("%s read: %w", what, err)
		}
		return string(b), nil
	}
	return def, nil
}

// CheckTemplate 校验模板包含两个占位符。
func CheckTemplate(tpl string) error {
	var missing []string
	if !strings.Contains(tpl, PlaceholderReq) {
		missing = append(missing, PlaceholderReq)
	}
	if !strings.Contains(tpl, PlaceholderTests) {
		missing = append(missing, PlaceholderTests)
	}
	if len(missing) > 0 {
		return fmt.Errorf("prompt: %w: template missing placeholder(s) %s", contract.ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

// Format 渲染 user 提示：需求以 JSON 对象嵌入，测试以 JSON 数组嵌入。
// 两个占位符在模板上一遍同时替换，已替换的内容不再被扫描（需求文本中的 {tests} 原样保留）。
// template 为空时使用 DefaultTemplate。
func Format(tests []contract.TestCase, req contract.Requirement, template string) (string, error) {
	if template == "" {
		template = DefaultTemplate
	}
	rj, err := marshal(req)
	if err != nil {
		return "", err
	}
	if tests == nil {
		tests = []contract.TestCase{}
	}
	tj, err := marshal(tests)
	if err != nil {
		return "", err
	}
	return strings.NewReplacer(PlaceholderReq, rj, PlaceholderTests, tj).Replace(template), nil
}

// marshal: 紧凑 JSON，不转义 HTML 字符，去掉 Encoder 追加的换行。
func marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("prompt encode: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Build: 构造 ChatPrompt（system+user）。in.System/in.Template 非空时覆盖构造期配置。
func (b *Builder) Build(ctx context.Context, in contract.PromptInput) (contract.ChatPrompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	sys := b.system
	if in.System != "" {
		sys = in.System
	}
	tpl := b.template
	if in.Template != "" {
		if err := CheckTemplate(in.Template); err != nil {
			return nil, err
		}
		tpl = in.Template
	}
	user, err := Format(in.Tests, in.Requirement, tpl)
	if err != nil {
		return nil, err
	}
	return contract.ChatPrompt{
		{Role: contract.RoleSystem, Content: sys},
		{Role: contract.RoleUser, Content: user},
	}, nil
}

// EstimateOverheadTokens: 估算与需求无关的固定开销（system + 模板去占位符后的文本）。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	fixed := strings.NewReplacer(PlaceholderReq, "", PlaceholderTests, "").Replace(b.template)
	return estimate(b.system) + estimate(fixed)
}

// SystemPrompt 返回构造期 system 提示。
func (b *Builder) SystemPrompt() string { return b.system }

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)
