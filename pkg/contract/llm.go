package contract

import "context"

// Message: 最小会话消息形状。
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// 角色常量。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Sampling: 采样参数。Seed 为 nil 表示不传（后端不支持时忽略）。
type Sampling struct {
	Temperature     float64
	Seed            *int
	MaxOutputTokens int
}

// Usage: 单次或累计 token 计数。
type Usage struct {
	Input  int `json:"input_tokens" yaml:"input_tokens"`
	Output int `json:"output_tokens" yaml:"output_tokens"`
}

// Add 返回累加结果。
func (u Usage) Add(o Usage) Usage {
	return Usage{Input: u.Input + o.Input, Output: u.Output + o.Output}
}

// Completion: 后端单次补全结果。
// Fingerprint 为空表示后端未报告版本标记。
type Completion struct {
	Text        string
	Usage       Usage
	Fingerprint string
	Model       string
}

// Backend: 模型后端（远端 API 或本地模型一致对待）。
// 单次调用、同步返回；应尊重 ctx 取消/超时。
// 错误约定：
//   - 429/配额 → ErrRateLimited；
//   - 本地模型加载中 → ErrModelLoading（可轮询）；
//   - 5xx/超时 → 实现 net.Error 的上游错误；
//   - 其余配置/请求错误 → ErrInvalidInput。
type Backend interface {
	Complete(ctx context.Context, msgs []Message, s Sampling) (Completion, error)
}
