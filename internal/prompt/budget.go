package prompt

import (
	"fmt"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 计算预扣“固定提示开销”后的有效预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	est := MakeEstimator(bytesPerToken)
	overhead := pb.EstimateOverheadTokens(est)
	eff := maxTokens - overhead
	return eff, overhead
}

// EstimatePrompt 估算 ChatPrompt 全部消息的输入 token。
func EstimatePrompt(cp contract.ChatPrompt, est contract.TokenEstimator) int {
	if est == nil {
		return 0
	}
	n := 0
	for _, m := range cp {
		n += est(m.Content)
	}
	return n
}

// CheckBudget 校验单次请求（输入估算 + 预期输出）不超过 maxTokens；maxTokens<=0 表示不限制。
// 返回请求总估算值（供限流闸门使用）。
func CheckBudget(cp contract.ChatPrompt, bytesPerToken, maxTokens, maxOutput int) (int, error) {
	total := EstimatePrompt(cp, MakeEstimator(bytesPerToken))
	if maxOutput > 0 {
		total += maxOutput
	}
	if maxTokens > 0 && total > maxTokens {
		return total, fmt.Errorf("prompt: %w: ~%d tokens > max_tokens %d", contract.ErrBudgetExceeded, total, maxTokens)
	}
	return total, nil
}
