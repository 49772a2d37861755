package traceability

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

var (
	req   = contract.Requirement{ID: "R-0", Feature: "Login", Description: "User <admin> & guest log in"}
	tests = []contract.TestCase{
		{ID: "T-0", Purpose: "login", Steps: "open; type"},
		{ID: "T-1", Purpose: "logout", Steps: "click"},
	}
)

// TestBuildDefault 测试默认 system 与模板
func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cp, err := b.Build(context.Background(), contract.PromptInput{Requirement: req, Tests: tests})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(cp) != 2 || cp[0].Role != contract.RoleSystem || cp[1].Role != contract.RoleUser {
		t.Fatalf("unexpected prompt %#v", cp)
	}
	if cp[0].Content != DefaultSystemPrompt {
		t.Fatalf("system=%q", cp[0].Content)
	}
	u := cp[1].Content
	if !strings.Contains(u, `{"ID":"R-0","Feature":"Login","Description":"User <admin> & guest log in"}`) {
		t.Fatalf("requirement json missing (html must not be escaped): %s", u)
	}
	if !strings.Contains(u, `[{"ID":"T-0","Purpose":"login","Test steps":"open; type"},{"ID":"T-1","Purpose":"logout","Test steps":"click"}]`) {
		t.Fatalf("tests json missing: %s", u)
	}
	if strings.Contains(u, PlaceholderReq) || strings.Contains(u, PlaceholderTests) {
		t.Fatalf("placeholders left: %s", u)
	}
}

// TestFormatCustomTemplate 自定义模板按字面替换
func TestFormatCustomTemplate(t *testing.T) {
	got, err := Format(tests[:1], req, "R={req} T={tests} again={req}")
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	var r contract.Requirement
	parts := strings.SplitN(strings.TrimPrefix(got, "R="), " T=", 2)
	if err := json.Unmarshal([]byte(parts[0]), &r); err != nil || r != req {
		t.Fatalf("requirement not embedded verbatim: %q (%v)", parts[0], err)
	}
	if strings.Count(got, `"R-0"`) != 2 {
		t.Fatalf("all {req} occurrences must be replaced: %s", got)
	}
}

// TestFormatNoRescan 已替换内容中的占位符不被再次替换
func TestFormatNoRescan(t *testing.T) {
	r := contract.Requirement{ID: "R-0", Description: "mentions {tests}"}
	got, err := Format(nil, r, "{req}|{tests}")
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.Contains(got, "mentions {tests}") || !strings.HasSuffix(got, "|[]") {
		t.Fatalf("unexpected: %s", got)
	}
}

// TestNewRejectsTemplateWithoutPlaceholders 缺占位符的模板构造失败
func TestNewRejectsTemplateWithoutPlaceholders(t *testing.T) {
	for _, tpl := range []string{"no placeholders", "{req} only", "{tests} only"} {
		if _, err := New(&Options{InlineTemplate: tpl}); !errors.Is(err, contract.ErrInvalidInput) {
			t.Fatalf("%q: want ErrInvalidInput got %v", tpl, err)
		}
	}
	b, _ := New(nil)
	_, err := b.Build(context.Background(), contract.PromptInput{Requirement: req, Template: "bad"})
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("build override: want ErrInvalidInput got %v", err)
	}
}

// TestBuildOverrides 输入中的 System/Template 覆盖构造期配置
func TestBuildOverrides(t *testing.T) {
	b, _ := New(&Options{InlineSystemPrompt: "base"})
	cp, err := b.Build(context.Background(), contract.PromptInput{System: "over", Template: "{req}{tests}", Requirement: req})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cp[0].Content != "over" || !strings.HasSuffix(cp[1].Content, "[]") {
		t.Fatalf("overrides ignored: %#v", cp)
	}
}

// TestNewFromFiles 从文件加载
func TestNewFromFiles(t *testing.T) {
	dir := t.TempDir()
	sys := filepath.Join(dir, "sys.txt")
	tpl := filepath.Join(dir, "tpl.txt")
	os.WriteFile(sys, []byte("file-sys"), 0o644)
	os.WriteFile(tpl, []byte("<{req}><{tests}>"), 0o644)
	b, err := New(&Options{SystemPromptPath: sys, TemplatePath: tpl})
	if err != nil {
		t.Fatalf("new file: %v", err)
	}
	if b.SystemPrompt() != "file-sys" || b.template != "<{req}><{tests}>" {
		t.Fatalf("unexpected builder %#v", b)
	}
	if _, err := New(&Options{TemplatePath: filepath.Join(dir, "missing")}); err == nil {
		t.Fatalf("expect read error")
	}
}

// TestEstimateOverhead 测试开销估算
func TestEstimateOverhead(t *testing.T) {
	b, _ := New(&Options{InlineSystemPrompt: "abcd", InlineTemplate: "xx{req}yy{tests}"})
	est := b.EstimateOverheadTokens(func(s string) int { return len(s) })
	if est != 8 {
		t.Fatalf("estimate=%d", est)
	}
	if b.EstimateOverheadTokens(nil) != 0 {
		t.Fatalf("nil estimator must yield 0")
	}
}

func TestBuildCanceled(t *testing.T) {
	b, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Build(ctx, contract.PromptInput{Requirement: req}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled got %v", err)
	}
}
