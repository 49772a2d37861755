package spec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/splitter/csvtable"
)

const (
	reqCSV  = "ID,Feature,Description,Owner\nREQ-A,Login,User logs in,bob\nREQ-B,Logout,User logs out,amy\nREQ-C,Reset,Password reset,amy\n"
	testCSV = "ID,Purpose,Test steps\nTC-10,Check login,open;type;submit\nTC-11,Check logout,click\n"
)

func splitter(t *testing.T) contract.Splitter {
	t.Helper()
	sp, err := csvtable.New(nil)
	require.NoError(t, err)
	return sp
}

func TestLoadRoundTrip(t *testing.T) {
	s, err := LoadString(context.Background(), splitter(t), reqCSV, testCSV)
	require.NoError(t, err)

	reqs := s.Requirements()
	require.Len(t, reqs, 3)
	for i, want := range []string{"REQ-A", "REQ-B", "REQ-C"} {
		assert.Equal(t, ReqPrefix+string(rune('0'+i)), reqs[i].ID)
		in, ok := s.RequirementIndex().Internal(want)
		require.True(t, ok)
		back, ok := s.RequirementIndex().Original(in)
		require.True(t, ok)
		assert.Equal(t, want, back)
	}
	tests := s.Tests()
	require.Len(t, tests, 2)
	assert.Equal(t, "T-0", tests[0].ID)
	assert.Equal(t, "open;type;submit", tests[0].Steps)
	assert.Equal(t, "T-1", tests[1].ID)
	assert.Equal(t, 6, s.N())
	assert.True(t, s.CheckRequirement("REQ-B"))
	assert.False(t, s.CheckRequirement("R-1"))
	assert.True(t, s.CheckTest("TC-11"))
}

func TestLoadCopiesAreDefensive(t *testing.T) {
	s, err := LoadString(context.Background(), splitter(t), reqCSV, testCSV)
	require.NoError(t, err)
	r := s.Requirements()
	r[0].ID = "mutated"
	assert.Equal(t, "R-0", s.Requirements()[0].ID)
}

func TestLoadSchemaError(t *testing.T) {
	_, err := LoadString(context.Background(), splitter(t), reqCSV, "ID,Purpose\nx,y\n")
	var fm *contract.FieldMismatchError
	require.True(t, errors.As(err, &fm))
	assert.Equal(t, []string{"Test steps"}, fm.Missing)
	assert.Equal(t, contract.FileID("tests"), fm.Source)

	_, err = LoadString(context.Background(), splitter(t), "Feature\nx\n", testCSV)
	require.True(t, errors.As(err, &fm))
	assert.Equal(t, []string{"Description", "ID"}, fm.Missing)
}

func TestIndexStrictParsing(t *testing.T) {
	x := NewIndex(TestPrefix)
	x.Add("a")
	x.Add("b")
	x.Add("a")
	cases := []struct {
		in string
		ok bool
	}{
		{"T-0", true},
		{"T-2", true},
		{"T-3", false},
		{"T-01", false},
		{"T-+1", false},
		{"T--1", false},
		{"R-0", false},
		{"T-", false},
		{" T-0", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, x.Contains(c.in), c.in)
	}
	in, ok := x.Internal("a")
	require.True(t, ok)
	assert.Equal(t, "T-0", in)
	assert.Equal(t, []string{"a", "b", "a"}, x.Originals())
}

func TestTranslateLinksPreservesDuplicates(t *testing.T) {
	s, err := LoadString(context.Background(), splitter(t), reqCSV, testCSV)
	require.NoError(t, err)
	got, err := s.TranslateLinks([]string{"T-1", "T-0", "T-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"TC-11", "TC-10", "TC-11"}, got)

	_, err = s.TranslateLinks([]string{"T-9"})
	assert.ErrorIs(t, err, contract.ErrInvariantViolation)
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	rp := filepath.Join(dir, "req.csv")
	tp := filepath.Join(dir, "test.csv")
	require.NoError(t, os.WriteFile(rp, []byte(reqCSV), 0o644))
	require.NoError(t, os.WriteFile(tp, []byte(testCSV), 0o644))
	s, err := LoadFiles(context.Background(), splitter(t), rp, tp)
	require.NoError(t, err)
	r, tt := s.Paths()
	assert.Equal(t, filepath.ToSlash(rp), r)
	assert.Equal(t, filepath.ToSlash(tp), tt)
	assert.Len(t, s.Universe(), 2)

	_, err = LoadFiles(context.Background(), splitter(t), filepath.Join(dir, "missing.csv"), tp)
	assert.Error(t, err)
}

func TestLoadUniverse(t *testing.T) {
	dir := t.TempDir()
	tp := filepath.Join(dir, "test.csv")
	require.NoError(t, os.WriteFile(tp, []byte(testCSV), 0o644))
	s, err := LoadString(context.Background(), splitter(t), reqCSV, testCSV)
	require.NoError(t, err)
	u, err := LoadUniverse(context.Background(), splitter(t), tp)
	require.NoError(t, err)
	assert.Equal(t, s.Universe(), u)

	_, err = LoadUniverse(context.Background(), splitter(t), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
	require.NoError(t, os.WriteFile(tp, []byte("ID,Purpose\nT1,x\n"), 0o644))
	_, err = LoadUniverse(context.Background(), splitter(t), tp)
	var fm *contract.FieldMismatchError
	assert.ErrorAs(t, err, &fm)
}

func TestPromptSettings(t *testing.T) {
	s, err := LoadString(context.Background(), splitter(t), reqCSV, testCSV)
	require.NoError(t, err)
	assert.Empty(t, s.SystemPrompt())
	s.SetSystemPrompt("be terse")
	s.SetTemplate("{req}|{tests}")
	assert.Equal(t, "be terse", s.SystemPrompt())
	assert.Equal(t, "{req}|{tests}", s.Template())
}
