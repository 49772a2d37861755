package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	cfgpkg "github.com/Test-Scouts/LLM-Req-Traceability/internal/config"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/engine"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/eval"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/spec"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/registry"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/assembler/artifact"
)

var (
	reqPath  = filepath.Join("testdata", "requirements.csv")
	testPath = filepath.Join("testdata", "tests.csv")
	mapPath  = filepath.Join("testdata", "mapping.csv")
)

// scripted: 按语料顺序给出的模型回答（含散文、空数组、无数组、未知标识）。
var scripted = []string{
	`Sure! Here you go: ["T-0", "T-1"]`,
	`[]`,
	`I cannot tell.`,
	`["T-9"]`,
	`["T-2","T-0"]`,
	`["T-3", "T-4"]`,
}

func baseConfig(outDir, provider string, opts json.RawMessage) cfgpkg.Config {
	cfg := cfgpkg.DefaultTemplateConfig()
	cfg.Requirements = reqPath
	cfg.Tests = testPath
	cfg.Mapping = mapPath
	cfg.OutputDir = outDir
	cfg.Concurrency = 1
	cfg.Logging.Level = "error"
	cfg.LLM = provider
	cfg.Provider = map[string]cfgpkg.Provider{provider: {Client: provider, Options: opts}}
	return cfg
}

// runOnce 装配并运行引擎，写出运行工件；返回工件标识与结果。
func runOnce(t *testing.T, cfg cfgpkg.Config) (contract.ArtifactID, engine.Result, error) {
	t.Helper()
	asm, err := cfgpkg.Assemble(cfg, registry.Deps{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	ctx := context.Background()
	s, err := spec.LoadFiles(ctx, asm.Splitter, cfg.Requirements, cfg.Tests)
	if err != nil {
		t.Fatalf("load corpus: %v", err)
	}
	res, err := engine.Run(ctx, s, asm.Engine, asm.Settings, nil)
	if err != nil {
		return "", res, err
	}
	id := contract.ArtifactID(fmt.Sprintf("%s/2024-01-01/00-00-00.000000/res.%s", cfg.LLM, asm.Assembler.Ext()))
	r, err := asm.Assembler.Assemble(ctx, contract.RunArtifact{
		Meta: contract.RunMeta{Session: cfg.LLM, Backend: cfg.LLM, ReqPath: cfg.Requirements, TestPath: cfg.Tests},
		Data: res.Response,
	})
	if err != nil {
		t.Fatalf("assemble artifact: %v", err)
	}
	if err := asm.Writer.Write(ctx, id, r); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return id, res, nil
}

func TestE2EScriptedRunAndEval(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "out")
	resDir := filepath.Join(filepath.Dir(outDir), "res")
	opts, _ := json.Marshal(map[string]any{"mode": "script", "responses": scripted})
	cfg := baseConfig(outDir, "mock", opts)
	cfg.Eval.ResDir = resDir

	_, res, err := runOnce(t, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	links := res.Response.Links
	if len(links) != 6 {
		t.Fatalf("每条需求都应有链接条目: %v", links)
	}
	if got := strings.Join(links["REQ-01"], ","); got != "TC-01,TC-02" {
		t.Fatalf("REQ-01 链接错误: %s", got)
	}
	for _, req := range []string{"REQ-03", "REQ-04"} {
		if len(links[req]) != 0 {
			t.Fatalf("%s 解析失败时链接应为空: %v", req, links[req])
		}
		if _, ok := res.Response.Err[req]; !ok {
			t.Fatalf("%s 应记录解析失败", req)
		}
	}
	if len(res.Response.Err) != 2 {
		t.Fatalf("解析失败条目数错误: %v", res.Response.Err)
	}

	ea, err := cfgpkg.AssembleEval(cfg)
	if err != nil {
		t.Fatalf("assemble eval: %v", err)
	}
	ctx := context.Background()
	s, err := spec.LoadFiles(ctx, ea.Splitter, reqPath, testPath)
	if err != nil {
		t.Fatalf("load corpus: %v", err)
	}
	mf, err := os.Open(mapPath)
	if err != nil {
		t.Fatalf("open mapping: %v", err)
	}
	defer mf.Close()
	truth, err := eval.LoadTruth(ctx, ea.Splitter, contract.NormalizeFileID(mapPath), mf)
	if err != nil {
		t.Fatalf("load truth: %v", err)
	}
	ea.Runner.Truth = truth
	ea.Runner.Universe = s.Universe()
	ea.Runner.TestPath = testPath
	ea.Runner.LoadUniverse = func(ctx context.Context, p string) (map[string]struct{}, error) {
		return spec.LoadUniverse(ctx, ea.Splitter, p)
	}
	sum, err := ea.Runner.Run(ctx, ea.OutDir, ea.Mode)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if sum.Runs != 1 || len(sum.Sessions) != 1 || sum.Sessions[0] != "mock" {
		t.Fatalf("概要错误: %+v", sum)
	}

	var rep eval.RunReport
	readArtifact(t, filepath.Join(outDir, "mock", "2024-01-01", "00-00-00.000000", "eval.json"), &rep)
	want := eval.Counts{N: 30, TP: 5, TN: 22, FP: 1, FN: 2}
	if rep.Counts != want {
		t.Fatalf("混淆矩阵错误: want %+v got %+v", want, rep.Counts)
	}
	if d := rep.Prevalence - 7.0/30.0; d > 1e-12 || d < -1e-12 {
		t.Fatalf("prevalence 错误: %v", rep.Prevalence)
	}
	var agg eval.Aggregate
	readArtifact(t, filepath.Join(resDir, "mock.json"), &agg)
	if len(agg.Frequency) != 6 {
		t.Fatalf("频次表错误: %+v", agg.Frequency)
	}
}

func TestE2EBudgetExceeded(t *testing.T) {
	cfg := baseConfig(t.TempDir(), "mock", json.RawMessage(`{"mode":"all"}`))
	cfg.MaxTokens = 1
	_, _, err := runOnce(t, cfg)
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("expect budget error, got %v", err)
	}
}

func TestE2ERetry(t *testing.T) {
	outDir := t.TempDir()
	logPath := filepath.Join(outDir, "flaky.log")
	cfg := baseConfig(outDir, "flaky", json.RawMessage(fmt.Sprintf(`{"log_path":%q}`, logPath)))
	cfg.MaxRetries = 2
	_, res, err := runOnce(t, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 第一次调用被限流后重试；第二次回答无法解析，记入 Err 且不重试
	if _, ok := res.Response.Err["REQ-01"]; !ok || len(res.Response.Err) != 1 {
		t.Fatalf("解析失败应只出现在首条需求: %v", res.Response.Err)
	}
	for _, req := range []string{"REQ-02", "REQ-06"} {
		if got := strings.Join(res.Response.Links[req], ","); got != "TC-01" {
			t.Fatalf("%s 链接错误: %s", req, got)
		}
	}
	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(logData)), "\n")
	if len(lines) != 7 || lines[0] != "rate_limited" || lines[1] != "invalid" || lines[2] != "ok" {
		t.Fatalf("unexpected log: %v", lines)
	}
}

func TestE2ENoRetryAborts(t *testing.T) {
	outDir := t.TempDir()
	cfg := baseConfig(outDir, "flaky", nil)
	cfg.MaxRetries = 0
	_, _, err := runOnce(t, cfg)
	if !errors.Is(err, contract.ErrRateLimited) {
		t.Fatalf("max_retries=0 时限流应中止运行: %v", err)
	}
	entries, _ := os.ReadDir(outDir)
	if len(entries) != 0 {
		t.Fatalf("失败的运行不应写出工件: %v", entries)
	}
}

func readArtifact(t *testing.T, p string, v any) {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	if err := artifact.Decode(p, io.NopCloser(bytes.NewReader(b)), v); err != nil {
		t.Fatalf("decode %s: %v", p, err)
	}
}
