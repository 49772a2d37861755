package contract

import "context"

// ParseFailure: 单条需求的模型输出解析失败诊断。
type ParseFailure struct {
	Raw    string `json:"raw" yaml:"raw"`
	Detail string `json:"detail" yaml:"detail"`
	Kind   string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Response: 一次运行的结果。
// 不变量：语料中每条需求（原始 ID）均出现在 Links 中（失败时为空列表）；
// Err 仅作补充，不替代 Links 条目。
type Response struct {
	Links map[string][]string     `json:"links" yaml:"links"`
	Err   map[string]ParseFailure `json:"err" yaml:"err"`
}

// NewResponse 返回已初始化的空 Response。
func NewResponse() Response {
	return Response{Links: map[string][]string{}, Err: map[string]ParseFailure{}}
}

// Decoder: 将模型原始文本解码为内部测试标识列表。
// 约束：
//  1. 仅返回 known 中存在的内部标识；
//  2. 不去重、不排序，保留模型给出的顺序；
//  3. 失败返回包装 ErrResponseInvalid 的错误，不做回退。
type Decoder interface {
	Decode(ctx context.Context, raw string, known IDSet) ([]string, error)
}
