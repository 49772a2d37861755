package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

type echoBackend struct {
	seen [][]contract.Message
	err  error
}

func (e *echoBackend) Complete(_ context.Context, msgs []contract.Message, _ contract.Sampling) (contract.Completion, error) {
	e.seen = append(e.seen, msgs)
	if e.err != nil {
		return contract.Completion{}, e.err
	}
	return contract.Completion{Text: "ok:" + msgs[len(msgs)-1].Content}, nil
}

func TestAppendIsCopyOnWrite(t *testing.T) {
	base := New(contract.Message{Role: contract.RoleSystem, Content: "s"})
	a := base.Append(contract.Message{Role: contract.RoleUser, Content: "a"})
	b := base.Append(contract.Message{Role: contract.RoleUser, Content: "b"})
	assert.Equal(t, 1, base.Len())
	assert.Equal(t, "a", a.Messages()[1].Content)
	assert.Equal(t, "b", b.Messages()[1].Content)

	m := a.Messages()
	m[0].Content = "mutated"
	assert.Equal(t, "s", a.Messages()[0].Content)
}

func TestExchangePersistAndEphemeral(t *testing.T) {
	be := &echoBackend{}
	tr := New(contract.Message{Role: contract.RoleSystem, Content: "sys"})

	c, next, err := Exchange(context.Background(), be, tr, "q1", contract.Sampling{})
	require.NoError(t, err)
	assert.Equal(t, "ok:q1", c.Text)
	assert.Equal(t, 1, tr.Len())
	require.Equal(t, 3, next.Len())
	assert.Equal(t, contract.RoleAssistant, next.Messages()[2].Role)

	_, next2, err := Exchange(context.Background(), be, next, "q2", contract.Sampling{})
	require.NoError(t, err)
	assert.Equal(t, 5, next2.Len())
	assert.Len(t, be.seen[1], 4)
}

func TestExchangeErrorKeepsTranscript(t *testing.T) {
	be := &echoBackend{err: errors.New("boom")}
	tr := New(contract.Message{Role: contract.RoleSystem, Content: "sys"})
	_, got, err := Exchange(context.Background(), be, tr, "q", contract.Sampling{})
	require.Error(t, err)
	assert.Equal(t, tr.Messages(), got.Messages())
}

func TestWithSystem(t *testing.T) {
	var zero Transcript
	a := zero.WithSystem("s1")
	require.Equal(t, 1, a.Len())
	b := a.Append(contract.Message{Role: contract.RoleUser, Content: "u"}).WithSystem("s2")
	assert.Equal(t, "s2", b.Messages()[0].Content)
	assert.Equal(t, "s1", a.Messages()[0].Content)
	assert.Equal(t, 2, b.Len())
}
