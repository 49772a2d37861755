package flaky

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// TestSequence 限流 → 散文 → 正常
func TestSequence(t *testing.T) {
	logp := filepath.Join(t.TempDir(), "flaky.log")
	c, err := New([]byte(`{"log_path":"` + filepath.ToSlash(logp) + `"}`))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := c.Complete(ctx, nil, contract.Sampling{}); !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("call1: %v", err)
	}
	if r, err := c.Complete(ctx, nil, contract.Sampling{}); err != nil || strings.Contains(r.Text, "[") {
		t.Fatalf("call2: %q %v", r.Text, err)
	}
	if r, _ := c.Complete(ctx, nil, contract.Sampling{}); r.Text != `["T-0"]` {
		t.Fatalf("call3: %q", r.Text)
	}
	b, _ := os.ReadFile(logp)
	if string(b) != "rate_limited\ninvalid\nok\n" {
		t.Fatalf("log=%q", string(b))
	}
}
