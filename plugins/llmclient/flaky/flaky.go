package flaky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	// Answer: 第三次起返回的原始文本，默认 ["T-0"]。
	Answer string `json:"answer"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的后端实现：
// 第一次 Complete 返回 ErrRateLimited；
// 第二次返回无法解析的散文；
// 之后返回 Answer。
type Client struct {
	answer  string
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.Backend, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("flaky options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	if o.Answer == "" {
		o.Answer = `["T-0"]`
	}
	return &Client{answer: o.Answer, logPath: o.LogPath}, nil
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Complete 实现 contract.Backend。
func (c *Client) Complete(ctx context.Context, msgs []contract.Message, s contract.Sampling) (contract.Completion, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return contract.Completion{}, contract.ErrRateLimited
	case 2:
		c.log("invalid")
		return contract.Completion{Text: "I am not sure which tests apply.", Model: "flaky"}, nil
	default:
		c.log("ok")
		return contract.Completion{Text: c.answer, Model: "flaky"}, nil
	}
}

var _ contract.Backend = (*Client)(nil)
