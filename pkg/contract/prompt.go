package contract

import "context"

// ChatPrompt: 会话型提示词载荷（system + user）。
type ChatPrompt []Message

// PromptInput: 单条需求的提示构造输入。
// System/Template 为空时由实现使用其配置的默认值。
type PromptInput struct {
	System      string
	Template    string
	Requirement Requirement
	Tests       []TestCase
}

// PromptBuilder: 构造确定性的 ChatPrompt。
// 约束：
//   - 纯计算，不做 I/O；
//   - 不隐式修改业务内容；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, in PromptInput) (ChatPrompt, error)
	// EstimateOverheadTokens: 估算与需求无关的固定提示词开销（system + 模板固定文本）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
