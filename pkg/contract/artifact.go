package contract

import (
	"context"
	"io"
)

// Drift: 运行中观测到的指纹变化。
type Drift struct {
	ReqID string `json:"req_id" yaml:"req_id"`
	Want  string `json:"want" yaml:"want"`
	Got   string `json:"got" yaml:"got"`
}

// RunMeta: 运行工件元信息。
type RunMeta struct {
	RunID        string  `json:"run_id" yaml:"run_id"`
	Session      string  `json:"session" yaml:"session"`
	Backend      string  `json:"backend" yaml:"backend"`
	Model        string  `json:"model,omitempty" yaml:"model,omitempty"`
	ReqPath      string  `json:"req_path" yaml:"req_path"`
	TestPath     string  `json:"test_path" yaml:"test_path"`
	MappingPath  string  `json:"mapping_path,omitempty" yaml:"mapping_path,omitempty"`
	Fingerprint  string  `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Drift        []Drift `json:"fingerprint_drift,omitempty" yaml:"fingerprint_drift,omitempty"`
	InputTokens  int     `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int     `json:"output_tokens" yaml:"output_tokens"`
	StartedAt    string  `json:"started_at" yaml:"started_at"`
	FinishedAt   string  `json:"finished_at" yaml:"finished_at"`
}

// RunArtifact: 运行输出工件 {meta, data, raw?}。
type RunArtifact struct {
	Meta RunMeta           `json:"meta" yaml:"meta"`
	Data Response          `json:"data" yaml:"data"`
	Raw  map[string]string `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// Assembler: 将工件值编码为自描述的结构化文本流。
// 约束：
//  1. 编码确定（映射键有序）；
//  2. 不做 I/O，仅返回可读流；
//  3. Ext 返回不带点的扩展名（json|yaml）。
type Assembler interface {
	Assemble(ctx context.Context, v any) (io.Reader, error)
	Ext() string
}
