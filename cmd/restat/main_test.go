package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/Test-Scouts/LLM-Req-Traceability/internal/config"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/engine"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/eval"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/spec"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/assembler/artifact"
)

const (
	reqCSV  = "ID,Feature,Description,Owner\nR1,Login,User can log in,a\nR2,Logout,User can log out,b\n"
	testCSV = "ID,Purpose,Test steps\nT1,Check login,Open page\nT2,Check logout,Press button\n"
	mapCSV  = "Req ID,Test IDs\nR1,\"T1, T2\"\nR2,\n"
)

type workspace struct {
	dir  string
	cfg  string
	out  string
	res  string
	logs string
}

func newWorkspace(t *testing.T, mode string) workspace {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	w := workspace{
		dir:  dir,
		cfg:  filepath.Join(dir, "config.json"),
		out:  filepath.Join(dir, "out"),
		res:  filepath.Join(dir, "res"),
		logs: filepath.Join(dir, "logs"),
	}
	for name, body := range map[string]string{"req.csv": reqCSV, "tests.csv": testCSV, "map.csv": mapCSV} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	cfg := fmt.Sprintf(`{
  "requirements": "req.csv",
  "tests": "tests.csv",
  "mapping": "map.csv",
  "output_dir": %q,
  "llm": "mock",
  "metrics": {"textfile": %q},
  "provider": {"mock": {"client": "mock", "options": {"mode": %q}}},
  "eval": {"res_dir": %q}
}`, w.out, filepath.Join(w.logs, "metrics.prom"), mode, w.res)
	require.NoError(t, os.WriteFile(w.cfg, []byte(cfg), 0o644))
	return w
}

func (w workspace) exec(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	full := append(args, "--config", w.cfg, "--log-dir", w.logs, "--status=false")
	code := execute(full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunWritesArtifact(t *testing.T) {
	w := newWorkspace(t, "all")
	code, stdout, stderr := w.exec("run", "--keep-raw")
	require.Equal(t, exitOK, code, stderr)

	p := strings.TrimSpace(stdout)
	require.True(t, strings.HasPrefix(p, filepath.ToSlash(w.out)+"/mock/"), p)
	f, err := os.Open(p)
	require.NoError(t, err)
	defer f.Close()
	var art contract.RunArtifact
	require.NoError(t, artifact.Decode(p, f, &art))

	assert.Equal(t, []string{"T1", "T2"}, art.Data.Links["R1"])
	assert.Equal(t, []string{"T1", "T2"}, art.Data.Links["R2"])
	assert.Empty(t, art.Data.Err)
	assert.Equal(t, "mock", art.Meta.Session)
	assert.Equal(t, "mock", art.Meta.Backend)
	assert.NotEmpty(t, art.Meta.RunID)
	assert.Equal(t, "req.csv", art.Meta.ReqPath)
	assert.Len(t, art.Raw, 2)

	_, err = os.Stat(filepath.Join(w.logs, "metrics.prom"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(w.logs, "restat-current.txt"))
	assert.NoError(t, err)
}

func TestRunThenEval(t *testing.T) {
	w := newWorkspace(t, "first")
	code, _, stderr := w.exec("run", "--format", "yaml")
	require.Equal(t, exitOK, code, stderr)

	code, stdout, stderr := w.exec("eval")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "evaluated 1 run(s) in 1 session(s): mock")

	f, err := os.Open(filepath.Join(w.res, "mock.json"))
	require.NoError(t, err)
	defer f.Close()
	var agg eval.Aggregate
	require.NoError(t, artifact.Decode("mock.json", f, &agg))
	// 每条需求链接首个测试 T1：R1 tp=1 fn=1；R2 fp=1 tn=1
	require.NotNil(t, agg.TP.Total)
	assert.Equal(t, 1.0, *agg.TP.Total)
	assert.Equal(t, 1.0, *agg.FP.Total)
	assert.InDelta(t, 0.5, agg.Prevalence, 1e-12)

	matches, err := filepath.Glob(filepath.Join(w.out, "mock", "*", "*", "eval.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	_, err = os.Stat(filepath.Join(w.res, "res.log"))
	assert.NoError(t, err)

	code, _, stderr = w.exec("eval", "--mode", "label")
	require.Equal(t, exitOK, code, stderr)
	_, err = os.Stat(filepath.Join(w.res, "mock-label.json"))
	assert.NoError(t, err)
}

func TestRunSchemaError(t *testing.T) {
	w := newWorkspace(t, "all")
	require.NoError(t, os.WriteFile(filepath.Join(w.dir, "tests.csv"), []byte("ID,Purpose\nT1,x\n"), 0o644))
	code, _, stderr := w.exec("run")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "Test steps")
}

func TestRunConfigErrors(t *testing.T) {
	w := newWorkspace(t, "all")
	code, _, stderr := w.exec("run", "--llm", "nope")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "provider")

	code, _, _ = w.exec("run", "--concurrency", "2", "--persist-history")
	assert.Equal(t, exitConfig, code)

	code, _, _ = w.exec("run", "--no-such-flag")
	assert.Equal(t, exitConfig, code)

	require.NoError(t, os.WriteFile(w.cfg, []byte(`{"bogus":1}`), 0o644))
	code, _, _ = w.exec("run")
	assert.Equal(t, exitConfig, code)
}

func TestRunFailureExitCode(t *testing.T) {
	w := newWorkspace(t, "all")
	prev := engineRun
	t.Cleanup(func() { engineRun = prev })
	engineRun = func(context.Context, *spec.Specification, engine.Components, engine.Settings, *diag.Logger) (engine.Result, error) {
		return engine.Result{}, fmt.Errorf("backend: %w", contract.ErrRateLimited)
	}
	code, _, stderr := w.exec("run")
	assert.Equal(t, exitRun, code)
	assert.Contains(t, stderr, "运行失败")

	engineRun = func(context.Context, *spec.Specification, engine.Components, engine.Settings, *diag.Logger) (engine.Result, error) {
		return engine.Result{}, context.Canceled
	}
	code, _, stderr = w.exec("run")
	assert.Equal(t, exitRun, code)
	assert.NotContains(t, stderr, "运行失败")
}

func TestEvalMissingMapping(t *testing.T) {
	w := newWorkspace(t, "all")
	code, _, _ := w.exec("eval", "--mapping", filepath.Join(w.dir, "missing.csv"))
	assert.Equal(t, exitConfig, code)
}

func TestInitConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, execute([]string{"init-config", "cfg"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "wrote "+filepath.Join("cfg", "config.json"))

	cfg, err := cfgpkg.LoadFile(filepath.Join(dir, "cfg", "config.json"), nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.LLM)
	require.NoError(t, cfgpkg.Validate(cfg))
	env, err := os.ReadFile(filepath.Join(dir, "cfg", ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "RESTAT_LLM=")

	stdout.Reset()
	require.Equal(t, exitOK, execute([]string{"init-config", "cfg"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "skipped")

	stdout.Reset()
	require.Equal(t, exitOK, execute([]string{"init-config", "y", "--format", "yaml"}, &stdout, &stderr))
	ycfg, err := cfgpkg.LoadFile(filepath.Join(dir, "y", "config.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Provider["ollama"].Client, ycfg.Provider["ollama"].Client)

	assert.Equal(t, exitConfig, execute([]string{"init-config", "z", "--format", "toml"}, &stdout, &stderr))
}

func TestArtifactID(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 8, 7, 123456000, time.Local)
	assert.Equal(t, contract.ArtifactID("gpt/2024-05-01/09-08-07.123456/res.json"), artifactID("gpt", ts, "json"))
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "mock", sessionName(cfgpkg.Config{LLM: "mock"}))
	assert.Equal(t, "a_b", sessionName(cfgpkg.Config{Session: "a/b", LLM: "mock"}))
	assert.Equal(t, "default", sessionName(cfgpkg.Config{Session: ".."}))
}

func TestRedact(t *testing.T) {
	out := string(redact([]byte(`{"api_key":"secret","model":"m"}`)))
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, `"model":"m"`)
	assert.Equal(t, "not json", string(redact([]byte("not json"))))
}

func TestExitErrorMessage(t *testing.T) {
	e := fail(exitRun, nil)
	assert.Equal(t, "exit 1", e.Error())
	var ee *exitError
	require.True(t, errors.As(fail(exitConfig, errors.New("x")), &ee))
	assert.Equal(t, exitConfig, ee.code)
}
