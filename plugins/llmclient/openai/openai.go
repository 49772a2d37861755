package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string `json:"model"`           // 为空则使用默认
	APIKeyEnv      string `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	OrgID          string `json:"org_id"`          // 可选组织 ID
	TimeoutSeconds int    `json:"timeout_seconds"` // 可选 client 级超时（秒）
	// 第三方兼容（最小）：
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（用于 OpenAI 兼容服务）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4o-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client 基于 go-openai 的 Chat Completions 后端。
type Client struct {
	api   *goopenai.Client
	model string
}

// headerTransport 为每个请求追加固定请求头。
type headerTransport struct {
	base http.RoundTripper
	h    map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.h) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.h {
			if k != "" {
				req.Header.Set(k, v)
			}
		}
	}
	return t.base.RoundTrip(req)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (contract.Backend, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("openai options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, fmt.Errorf("openai: %w: missing api key", contract.ErrInvalidInput)
	}
	if opts.DisableDefaultAuth {
		key = ""
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	cfg.OrgID = opts.OrgID
	cfg.HTTPClient = &http.Client{
		Timeout:   time.Duration(opts.TimeoutSeconds) * time.Second,
		Transport: headerTransport{base: http.DefaultTransport, h: opts.ExtraHeaders},
	}
	return &Client{api: goopenai.NewClientWithConfig(cfg), model: opts.Model}, nil
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Complete: 单次调用，同步返回。
func (c *Client) Complete(ctx context.Context, msgs []contract.Message, s contract.Sampling) (contract.Completion, error) {
	if len(msgs) == 0 {
		return contract.Completion{}, fmt.Errorf("openai: %w: empty messages", contract.ErrInvalidInput)
	}
	req := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]goopenai.ChatCompletionMessage, 0, len(msgs)),
		Temperature: wireTemperature(s.Temperature),
		Seed:        s.Seed,
	}
	if s.MaxOutputTokens > 0 {
		req.MaxCompletionTokens = s.MaxOutputTokens
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return contract.Completion{}, mapError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return contract.Completion{}, fmt.Errorf("openai: no choices: %w", contract.ErrResponseInvalid)
	}
	return contract.Completion{
		Text:        resp.Choices[0].Message.Content,
		Usage:       contract.Usage{Input: resp.Usage.PromptTokens, Output: resp.Usage.CompletionTokens},
		Fingerprint: resp.SystemFingerprint,
		Model:       resp.Model,
	}, nil
}

// wireTemperature: 请求字段带 omitempty；温度 <=0 以最小正 float32 发送。
func wireTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// mapError: 429 → ErrRateLimited；5xx/408 → upstreamError；其余 4xx → ErrInvalidInput。
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	status, msg := 0, ""
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, msg = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status, msg = reqErr.HTTPStatusCode, reqErr.Error()
	default:
		return err
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("openai upstream 429: %s: %w", msg, contract.ErrRateLimited)
	case status == http.StatusRequestTimeout || status/100 == 5:
		return upstreamError{status: status, msg: msg}
	default:
		return fmt.Errorf("openai upstream %d: %s: %w", status, msg, contract.ErrInvalidInput)
	}
}

var _ contract.Backend = (*Client)(nil)
