package linkjson

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// 解析失败类别。
const (
	KindNoArray          = "no_array"
	KindInvalidJSON      = "invalid_json"
	KindNonStringElement = "non_string_element"
	KindUnknownID        = "unknown_id"
)

// ParseError: 模型输出无法解释为合法链接数组。
// errors.Is(err, contract.ErrResponseInvalid) 恒为 true。
type ParseError struct {
	Kind   string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Kind, e.Detail)
}

func (e *ParseError) Unwrap() error { return contract.ErrResponseInvalid }

// FailureKind 返回失败类别（写入 ParseFailure.Kind 与指标标签）。
func (e *ParseError) FailureKind() string { return e.Kind }

// Options: 解码宽松度。
// - KeepSpace: 为 true 时元素不去首尾空白（默认去除）。
type Options struct {
	KeepSpace bool `json:"keep_space"`
}

type decoder struct {
	keepSpace bool
}

// New 从原样 JSON Options 创建解码器（未知字段拒绝）。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("linkjson options: %w", contract.ErrInvalidInput)
		}
	}
	return &decoder{keepSpace: opts.KeepSpace}, nil
}

// Extract 截取首个 '[' 至最后一个 ']'（含）之间的文本；两者缺失或逆序时返回 false。
func Extract(text string) (string, bool) {
	i := strings.IndexByte(text, '[')
	j := strings.LastIndexByte(text, ']')
	if i < 0 || j < i {
		return "", false
	}
	return text[i : j+1], true
}

// Decode: 宽松截取 + 严格解析。
// 约束：
//  1. 截取后的文本必须为 JSON 字符串数组；
//  2. 每个元素必须为 known 中的内部标识；
//  3. 保留顺序与重复项，不做任何截断或修正。
func (d *decoder) Decode(ctx context.Context, raw string, known contract.IDSet) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	sub, ok := Extract(raw)
	if !ok {
		return nil, &ParseError{Kind: KindNoArray, Detail: "no '[' ... ']' pair in model output"}
	}
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(sub), &elems); err != nil {
		return nil, &ParseError{Kind: KindInvalidJSON, Detail: err.Error()}
	}
	out := make([]string, 0, len(elems))
	for i, e := range elems {
		var s string
		if len(e) == 0 || e[0] != '"' || json.Unmarshal(e, &s) != nil {
			return nil, &ParseError{Kind: KindNonStringElement, Detail: fmt.Sprintf("element %d is %s", i, string(e))}
		}
		if !d.keepSpace {
			s = strings.TrimSpace(s)
		}
		if known == nil || !known.Contains(s) {
			return nil, &ParseError{Kind: KindUnknownID, Detail: fmt.Sprintf("element %d %q is not a known test id", i, s)}
		}
		out = append(out, s)
	}
	return out, nil
}

var _ contract.Decoder = (*decoder)(nil)
