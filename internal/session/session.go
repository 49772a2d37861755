package session

import (
	"context"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// Transcript 为只追加的会话记录值。
// 零值为空记录；Append 返回新值，不修改接收者（写时复制），可安全跨 goroutine 共享。
type Transcript struct {
	msgs []contract.Message
}

// New 以初始消息构造记录（复制入参）。
func New(msgs ...contract.Message) Transcript {
	return Transcript{msgs: append([]contract.Message(nil), msgs...)}
}

// Append 返回追加后的新记录。
func (t Transcript) Append(msgs ...contract.Message) Transcript {
	out := make([]contract.Message, 0, len(t.msgs)+len(msgs))
	out = append(out, t.msgs...)
	out = append(out, msgs...)
	return Transcript{msgs: out}
}

// Messages 返回消息副本。
func (t Transcript) Messages() []contract.Message {
	return append([]contract.Message(nil), t.msgs...)
}

// Len 返回消息条数。
func (t Transcript) Len() int { return len(t.msgs) }

// WithSystem 返回首条为指定 system 提示的记录：已有 system 首条则替换，否则前置。
func (t Transcript) WithSystem(system string) Transcript {
	sys := contract.Message{Role: contract.RoleSystem, Content: system}
	if len(t.msgs) > 0 && t.msgs[0].Role == contract.RoleSystem {
		out := t.Messages()
		out[0] = sys
		return Transcript{msgs: out}
	}
	return New(sys).Append(t.msgs...)
}

// Exchange 发送一轮 user 消息并返回补全与包含本轮问答的新记录。
// 失败时返回原记录，调用方决定是否保留（持久）或丢弃（临时）本轮。
func Exchange(ctx context.Context, b contract.Backend, t Transcript, user string, s contract.Sampling) (contract.Completion, Transcript, error) {
	next := t.Append(contract.Message{Role: contract.RoleUser, Content: user})
	c, err := b.Complete(ctx, next.msgs, s)
	if err != nil {
		return contract.Completion{}, t, err
	}
	return c, next.Append(contract.Message{Role: contract.RoleAssistant, Content: c.Text}), nil
}
