package spec

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// 必需字段集合。
var (
	RequirementFields = []string{"ID", "Feature", "Description"}
	TestFields        = []string{"ID", "Purpose", "Test steps"}
)

// Specification 持有已匿名化的需求/测试语料及其索引。
// 语料构造后不可变；仅提示词配置可修改（非并发安全，应在运行前设置）。
type Specification struct {
	reqs     []contract.Requirement
	tests    []contract.TestCase
	reqIdx   *Index
	testIdx  *Index
	reqPath  string
	testPath string

	system   string
	template string
}

// Load 解析两份表格文本并分配内部标识。
// 任一表头缺少必需字段时返回 *contract.FieldMismatchError，且不产生部分结果。
func Load(ctx context.Context, sp contract.Splitter, reqID contract.FileID, reqR io.Reader, testID contract.FileID, testR io.Reader) (*Specification, error) {
	reqRows, err := sp.Split(ctx, reqID, reqR, RequirementFields)
	if err != nil {
		return nil, err
	}
	testRows, err := sp.Split(ctx, testID, testR, TestFields)
	if err != nil {
		return nil, err
	}
	s := &Specification{
		reqIdx:   NewIndex(ReqPrefix),
		testIdx:  NewIndex(TestPrefix),
		reqPath:  string(reqID),
		testPath: string(testID),
	}
	s.reqs = make([]contract.Requirement, 0, len(reqRows))
	for _, r := range reqRows {
		s.reqs = append(s.reqs, contract.Requirement{
			ID:          s.reqIdx.Add(r["ID"]),
			Feature:     r["Feature"],
			Description: r["Description"],
		})
	}
	s.tests = make([]contract.TestCase, 0, len(testRows))
	for _, r := range testRows {
		s.tests = append(s.tests, contract.TestCase{
			ID:      s.testIdx.Add(r["ID"]),
			Purpose: r["Purpose"],
			Steps:   r["Test steps"],
		})
	}
	return s, nil
}

// LoadString 从内存文本加载（测试与嵌入场景）。
func LoadString(ctx context.Context, sp contract.Splitter, reqText, testText string) (*Specification, error) {
	return Load(ctx, sp, "requirements", strings.NewReader(reqText), "tests", strings.NewReader(testText))
}

// LoadFiles 从文件路径加载。
func LoadFiles(ctx context.Context, sp contract.Splitter, reqPath, testPath string) (*Specification, error) {
	rf, err := os.Open(reqPath)
	if err != nil {
		return nil, fmt.Errorf("open requirements: %w", err)
	}
	defer rf.Close()
	tf, err := os.Open(testPath)
	if err != nil {
		return nil, fmt.Errorf("open tests: %w", err)
	}
	defer tf.Close()
	return Load(ctx, sp, contract.NormalizeFileID(reqPath), rf, contract.NormalizeFileID(testPath), tf)
}

// LoadUniverse 读取测试语料文件，返回原始测试标识全集（用于评估时按运行重建全集）。
func LoadUniverse(ctx context.Context, sp contract.Splitter, testPath string) (map[string]struct{}, error) {
	f, err := os.Open(testPath)
	if err != nil {
		return nil, fmt.Errorf("open tests: %w", err)
	}
	defer f.Close()
	rows, err := sp.Split(ctx, contract.NormalizeFileID(testPath), f, TestFields)
	if err != nil {
		return nil, err
	}
	u := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		u[r["ID"]] = struct{}{}
	}
	return u, nil
}

// Requirements 返回需求副本（ID 为内部标识）。
func (s *Specification) Requirements() []contract.Requirement {
	return append([]contract.Requirement(nil), s.reqs...)
}

// Tests 返回测试副本（ID 为内部标识）。
func (s *Specification) Tests() []contract.TestCase {
	return append([]contract.TestCase(nil), s.tests...)
}

// RequirementIndex / TestIndex 返回只读索引。
func (s *Specification) RequirementIndex() *Index { return s.reqIdx }
func (s *Specification) TestIndex() *Index        { return s.testIdx }

// Paths 返回加载来源。
func (s *Specification) Paths() (req, test string) { return s.reqPath, s.testPath }

// CheckRequirement 判定原始需求标识是否存在。
func (s *Specification) CheckRequirement(orig string) bool {
	_, ok := s.reqIdx.Internal(orig)
	return ok
}

// CheckTest 判定原始测试标识是否存在。
func (s *Specification) CheckTest(orig string) bool {
	_, ok := s.testIdx.Internal(orig)
	return ok
}

// N 返回 (需求, 测试) 组合总数。
func (s *Specification) N() int { return len(s.reqs) * len(s.tests) }

// SetSystemPrompt 设置 system 提示；空串表示使用构造器默认值。
func (s *Specification) SetSystemPrompt(p string) { s.system = p }

// SystemPrompt 返回已设置的 system 提示（可能为空）。
func (s *Specification) SystemPrompt() string { return s.system }

// SetTemplate 设置自定义 user 模板；空串表示默认模板。
func (s *Specification) SetTemplate(t string) { s.template = t }

// Template 返回自定义模板（可能为空）。
func (s *Specification) Template() string { return s.template }

// TranslateLinks 将内部测试标识列表还原为原始标识（保序，不去重）。
func (s *Specification) TranslateLinks(internal []string) ([]string, error) {
	out := make([]string, 0, len(internal))
	for _, id := range internal {
		o, ok := s.testIdx.Original(id)
		if !ok {
			return nil, fmt.Errorf("unknown test id %q: %w", id, contract.ErrInvariantViolation)
		}
		out = append(out, o)
	}
	return out, nil
}

// Universe 返回原始测试标识全集（去重）。
func (s *Specification) Universe() map[string]struct{} {
	u := make(map[string]struct{}, s.testIdx.Len())
	for _, id := range s.testIdx.orig {
		u[id] = struct{}{}
	}
	return u
}
