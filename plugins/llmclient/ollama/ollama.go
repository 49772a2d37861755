package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/modelreg"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// Options: 本地 Ollama 服务最小配置。
type Options struct {
	BaseURL        string `json:"base_url"`        // 默认取 OLLAMA_BASE_URL，否则 http://localhost:11434
	Model          string `json:"model"`           // 必填
	KeepAlive      string `json:"keep_alive"`      // 模型常驻时长，默认 "30m"
	NumCtx         int    `json:"num_ctx"`         // 可选上下文窗口
	TimeoutSeconds int    `json:"timeout_seconds"` // 默认 300（本地推理较慢）
	// SkipWarmup: 为 true 时不经注册表预热，直接调用 /api/chat。
	SkipWarmup bool `json:"skip_warmup"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = os.Getenv("OLLAMA_BASE_URL")
	}
	if o.BaseURL == "" {
		o.BaseURL = "http://localhost:11434"
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.KeepAlive == "" {
		o.KeepAlive = "30m"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 300
	}
}

// Client: Ollama /api/chat 后端。模型加载经 modelreg 注册表去重。
type Client struct {
	base      string
	model     string
	keepAlive string
	numCtx    int
	warm      bool
	models    *modelreg.Registry
	do        func(*http.Request) (*http.Response, error)
}

// New 构造客户端；reg 为 nil 时使用私有注册表。
func New(raw json.RawMessage, reg *modelreg.Registry) (contract.Backend, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("ollama options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("ollama: %w: model required", contract.ErrInvalidInput)
	}
	if reg == nil {
		reg = modelreg.New()
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		base:      opts.BaseURL,
		model:     opts.Model,
		keepAlive: opts.KeepAlive,
		numCtx:    opts.NumCtx,
		warm:      !opts.SkipWarmup,
		models:    reg,
		do:        hc.Do,
	}, nil
}

type chatReq struct {
	Model     string             `json:"model"`
	Messages  []contract.Message `json:"messages"`
	Stream    bool               `json:"stream"`
	KeepAlive string             `json:"keep_alive,omitempty"`
	Options   map[string]any     `json:"options,omitempty"`
}

type chatResp struct {
	Model           string           `json:"model"`
	Message         contract.Message `json:"message"`
	Done            bool             `json:"done"`
	PromptEvalCount int              `json:"prompt_eval_count"`
	EvalCount       int              `json:"eval_count"`
	Error           string           `json:"error"`
}

type loadReq struct {
	Model     string         `json:"model"`
	KeepAlive string         `json:"keep_alive"`
	Options   map[string]any `json:"options,omitempty"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("ollama upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// registryKey: 同一服务上的同名模型共享一个加载占位。
func (c *Client) registryKey() string { return c.base + "#" + c.model }

// load: 以空 prompt 的 /api/generate 请求将模型载入内存并设置 keep_alive。
func (c *Client) load(ctx context.Context, _ string) (map[string]string, error) {
	start := time.Now()
	body, _ := json.Marshal(loadReq{Model: c.model, KeepAlive: c.keepAlive, Options: c.options(contract.Sampling{}, false)})
	if err := c.post(ctx, "/api/generate", body, nil); err != nil {
		return nil, fmt.Errorf("ollama load %s: %w", c.model, err)
	}
	return map[string]string{
		"model":      c.model,
		"keep_alive": c.keepAlive,
		"load_ms":    strconv.FormatInt(time.Since(start).Milliseconds(), 10),
	}, nil
}

func (c *Client) options(s contract.Sampling, sampling bool) map[string]any {
	opts := map[string]any{}
	if c.numCtx > 0 {
		opts["num_ctx"] = c.numCtx
	}
	if sampling {
		opts["temperature"] = s.Temperature
		if s.Seed != nil {
			opts["seed"] = *s.Seed
		}
		if s.MaxOutputTokens > 0 {
			opts["num_predict"] = s.MaxOutputTokens
		}
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// Complete: 确保模型已加载（加载在途时返回 ErrModelLoading），再发起非流式对话。
func (c *Client) Complete(ctx context.Context, msgs []contract.Message, s contract.Sampling) (contract.Completion, error) {
	if len(msgs) == 0 {
		return contract.Completion{}, fmt.Errorf("ollama: %w: empty messages", contract.ErrInvalidInput)
	}
	if c.warm {
		if _, err := c.models.Acquire(ctx, c.registryKey(), c.load); err != nil {
			return contract.Completion{}, err
		}
	}
	body, err := json.Marshal(chatReq{
		Model:     c.model,
		Messages:  msgs,
		Stream:    false,
		KeepAlive: c.keepAlive,
		Options:   c.options(s, true),
	})
	if err != nil {
		return contract.Completion{}, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	var cr chatResp
	if err := c.post(ctx, "/api/chat", body, &cr); err != nil {
		return contract.Completion{}, err
	}
	if cr.Error != "" {
		return contract.Completion{}, fmt.Errorf("ollama: %s: %w", cr.Error, contract.ErrResponseInvalid)
	}
	model := cr.Model
	if model == "" {
		model = c.model
	}
	return contract.Completion{
		Text:  cr.Message.Content,
		Usage: contract.Usage{Input: cr.PromptEvalCount, Output: cr.EvalCount},
		Model: model,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		if (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		switch {
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
			return upstreamError{status: resp.StatusCode, msg: msg}
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("ollama: model %q not found (run: ollama pull %s): %w", c.model, c.model, contract.ErrInvalidInput)
		default:
			return fmt.Errorf("ollama upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	return nil
}

var _ contract.Backend = (*Client)(nil)
