package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// 支持的格式。
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Options: 工件编码格式。
// - Format: json|yaml，默认 json；
// - Indent: 缩进宽度，默认 2。
type Options struct {
	Format string `json:"format"`
	Indent int    `json:"indent"`
}

// Assembler 将工件值编码为 JSON 或 YAML 文本。
// 映射键按字典序输出（encoding/json 与 yaml.v3 均如此），同一输入产出相同字节。
type Assembler struct {
	format string
	indent int
}

// New 从原样 JSON Options 创建装配器（未知字段拒绝）。
func New(raw json.RawMessage) (*Assembler, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("artifact options: %v: %w", err, contract.ErrInvalidInput)
		}
	}
	f := strings.ToLower(strings.TrimSpace(o.Format))
	switch f {
	case "", FormatJSON:
		f = FormatJSON
	case FormatYAML, "yml":
		f = FormatYAML
	default:
		return nil, fmt.Errorf("artifact: %w: unknown format %q", contract.ErrInvalidInput, o.Format)
	}
	if o.Indent <= 0 {
		o.Indent = 2
	}
	return &Assembler{format: f, indent: o.Indent}, nil
}

var _ contract.Assembler = (*Assembler)(nil)

// Ext 返回不带点的扩展名。
func (a *Assembler) Ext() string { return a.format }

// Assemble 编码 v；JSON 不转义 HTML 字符并以换行结尾。
func (a *Assembler) Assemble(ctx context.Context, v any) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var buf bytes.Buffer
	switch a.format {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(a.indent)
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("artifact yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("artifact yaml: %w", err)
		}
	default:
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", strings.Repeat(" ", a.indent))
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("artifact json: %w", err)
		}
	}
	return &buf, nil
}

// FormatOf 依据文件扩展名判定格式；未知扩展名返回空串。
func FormatOf(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return ""
	}
}

// Decode 按文件扩展名解码工件到 v（用于评估读取运行工件）。
func Decode(name string, r io.Reader, v any) error {
	switch FormatOf(name) {
	case FormatJSON:
		if err := json.NewDecoder(r).Decode(v); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(v); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
	default:
		return fmt.Errorf("decode %s: %w: unknown artifact extension", name, contract.ErrInvalidInput)
	}
	return nil
}
