package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/modelreg"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/assembler/artifact"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/decoder/linkjson"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/llmclient/flaky"
	gmi "github.com/Test-Scouts/LLM-Req-Traceability/plugins/llmclient/gemini"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/llmclient/mock"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/llmclient/ollama"
	oai "github.com/Test-Scouts/LLM-Req-Traceability/plugins/llmclient/openai"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/prompt/traceability"
	rfs "github.com/Test-Scouts/LLM-Req-Traceability/plugins/reader/filesystem"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/splitter/csvtable"
	wfs "github.com/Test-Scouts/LLM-Req-Traceability/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("options: %v: %w", err, contract.ErrInvalidInput)
	}
	return nil
}

// Deps: 后端工厂可用的进程级共享依赖。
type Deps struct {
	// Models: 本地模型注册表（ollama 使用）；nil 时由工厂自建。
	Models *modelreg.Registry
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewSplitter 工厂签名：接收原样 JSON Options。
type NewSplitter func(raw json.RawMessage) (contract.Splitter, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewBackend 工厂签名：接收原样 JSON Options 与共享依赖。
type NewBackend func(raw json.RawMessage, deps Deps) (contract.Backend, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 稳定顺序递归发现运行工件
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Splitter 工厂注册表。
var Splitter = map[string]NewSplitter{
	// csv: 表头驱动的表格拆分
	"csv": func(raw json.RawMessage) (contract.Splitter, error) {
		var opts csvtable.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return csvtable.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// traceability: 单需求 + 全部测试 → system+user
	"traceability": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts traceability.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return traceability.New(&opts)
	},
}

// Backend 工厂注册表。
var Backend = map[string]NewBackend{
	"openai": func(raw json.RawMessage, _ Deps) (contract.Backend, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage, _ Deps) (contract.Backend, error) { return gmi.New(raw) },
	"ollama": func(raw json.RawMessage, d Deps) (contract.Backend, error) {
		reg := d.Models
		if reg == nil {
			reg = modelreg.New()
		}
		return ollama.New(raw, reg)
	},
	"mock":  func(raw json.RawMessage, _ Deps) (contract.Backend, error) { return mock.New(raw) },
	"flaky": func(raw json.RawMessage, _ Deps) (contract.Backend, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// linkjson: 截取 JSON 数组并按测试索引严格校验
	"linkjson": func(raw json.RawMessage) (contract.Decoder, error) { return linkjson.New(raw) },
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// artifact: JSON/YAML 工件编码
	"artifact": func(raw json.RawMessage) (contract.Assembler, error) { return artifact.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换/不覆盖可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
