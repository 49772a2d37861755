package artifact

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

func sampleRun() contract.RunArtifact {
	resp := contract.NewResponse()
	resp.Links["REQ-2"] = []string{"TC<B>", "TC<B>"}
	resp.Links["REQ-1"] = []string{}
	resp.Err["REQ-1"] = contract.ParseFailure{Raw: "nope", Detail: "parse no_array: no brackets", Kind: "no_array"}
	return contract.RunArtifact{
		Meta: contract.RunMeta{RunID: "r1", Session: "mock", Backend: "mock", ReqPath: "reqs.csv", TestPath: "tests.csv", InputTokens: 12},
		Data: resp,
	}
}

func assemble(t *testing.T, opts string) (string, *Assembler) {
	t.Helper()
	a, err := New([]byte(opts))
	require.NoError(t, err)
	r, err := a.Assemble(context.Background(), sampleRun())
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(b), a
}

func TestJSONRoundTrip(t *testing.T) {
	out, a := assemble(t, "")
	assert.Equal(t, "json", a.Ext())
	assert.Contains(t, out, `"TC<B>"`)
	assert.Contains(t, out, "\n  \"meta\"")
	// 映射键有序
	assert.Less(t, strings.Index(out, `"REQ-1"`), strings.Index(out, `"REQ-2"`))

	var got contract.RunArtifact
	require.NoError(t, Decode("out/mock/res.json", strings.NewReader(out), &got))
	assert.Equal(t, sampleRun(), got)
}

func TestYAMLRoundTrip(t *testing.T) {
	out, a := assemble(t, `{"format":"yaml"}`)
	assert.Equal(t, "yaml", a.Ext())
	assert.Contains(t, out, "meta:")

	var got contract.RunArtifact
	require.NoError(t, Decode("res.yml", strings.NewReader(out), &got))
	assert.Equal(t, sampleRun(), got)
}

func TestDeterministic(t *testing.T) {
	a, _ := assemble(t, "")
	b, _ := assemble(t, "")
	assert.Equal(t, a, b)
}

func TestOptionsAndDecodeErrors(t *testing.T) {
	_, err := New([]byte(`{"format":"xml"}`))
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	_, err = New([]byte(`{"bogus":1}`))
	require.ErrorIs(t, err, contract.ErrInvalidInput)

	var v map[string]any
	require.ErrorIs(t, Decode("res.txt", strings.NewReader("{}"), &v), contract.ErrInvalidInput)
	require.Error(t, Decode("res.json", strings.NewReader("{"), &v))
	assert.Equal(t, "", FormatOf("a/b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a, err := New(nil)
	require.NoError(t, err)
	_, err = a.Assemble(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}
