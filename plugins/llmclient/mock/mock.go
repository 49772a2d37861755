package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// 响应模式。
const (
	ModeEmpty  = "empty"  // 恒返回 []
	ModeFirst  = "first"  // 返回提示中出现的首个测试标识
	ModeAll    = "all"    // 返回提示中出现的全部测试标识
	ModeScript = "script" // 按调用顺序循环返回 Responses
	ModeEcho   = "echo"   // 回显最后一条消息（用于调试提示）
)

// Options: 最小调试配置（可选）。
type Options struct {
	// Mode: 响应模式，默认 "empty"。
	Mode string `json:"mode,omitempty"`
	// Responses: script 模式下按调用顺序循环返回的原始文本。
	Responses []string `json:"responses,omitempty"`
	// Wrap: 为 true 时在数组前后追加散文，用于验证宽松解析。
	Wrap bool `json:"wrap,omitempty"`
	// Model: 报告的模型名，默认 "mock"。
	Model string `json:"model,omitempty"`
	// Fingerprint: 固定指纹；Fingerprints 非空时按调用顺序循环（用于模拟漂移）。
	Fingerprint  string   `json:"fingerprint,omitempty"`
	Fingerprints []string `json:"fingerprints,omitempty"`
}

type Client struct {
	mode   string
	script []string
	wrap   bool
	model  string
	fp     []string
	calls  atomic.Int64
}

var testIDPattern = regexp.MustCompile(`"ID":"(T-\d+)"`)

func New(raw json.RawMessage) (contract.Backend, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("mock options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	mode := strings.TrimSpace(o.Mode)
	if mode == "" {
		mode = ModeEmpty
	}
	switch mode {
	case ModeEmpty, ModeFirst, ModeAll, ModeEcho:
	case ModeScript:
		if len(o.Responses) == 0 {
			return nil, fmt.Errorf("mock: %w: script mode requires responses", contract.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("mock: %w: unknown mode %q", contract.ErrInvalidInput, mode)
	}
	if o.Model == "" {
		o.Model = "mock"
	}
	fp := o.Fingerprints
	if len(fp) == 0 && o.Fingerprint != "" {
		fp = []string{o.Fingerprint}
	}
	return &Client{mode: mode, script: o.Responses, wrap: o.Wrap, model: o.Model, fp: fp}, nil
}

// Calls 返回已处理的调用次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

func (c *Client) Complete(ctx context.Context, msgs []contract.Message, s contract.Sampling) (contract.Completion, error) {
	select {
	case <-ctx.Done():
		return contract.Completion{}, ctx.Err()
	default:
	}
	n := c.calls.Add(1) - 1
	last := ""
	in := 0
	for _, m := range msgs {
		in += len(m.Content)
	}
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Content
	}

	var text string
	switch c.mode {
	case ModeEmpty:
		text = "[]"
	case ModeFirst, ModeAll:
		ids := []string{}
		for _, m := range testIDPattern.FindAllStringSubmatch(last, -1) {
			ids = append(ids, m[1])
			if c.mode == ModeFirst {
				break
			}
		}
		b, _ := json.Marshal(ids)
		text = string(b)
	case ModeScript:
		text = c.script[int(n)%len(c.script)]
	case ModeEcho:
		text = last
	}
	if c.wrap {
		text = "Sure! Here is my answer:\n" + text + "\nHope that helps."
	}
	comp := contract.Completion{
		Text:  text,
		Usage: contract.Usage{Input: (in + 3) / 4, Output: (len(text) + 3) / 4},
		Model: c.model,
	}
	if len(c.fp) > 0 {
		comp.Fingerprint = c.fp[int(n)%len(c.fp)]
	}
	return comp, nil
}

var _ contract.Backend = (*Client)(nil)
