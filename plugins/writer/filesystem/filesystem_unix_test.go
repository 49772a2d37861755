//go:build !windows

package filesystem

import (
	"testing"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

func TestMapPathInvalidUnix(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	for _, id := range []string{"/abs/res.json", "..", ".", "a/../../b"} {
		if _, err := w.mapPath(contract.ArtifactID(id)); err != contract.ErrPathInvalid {
			t.Fatalf("id %s expect invalid", id)
		}
	}
}
