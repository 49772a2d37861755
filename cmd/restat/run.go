package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "github.com/Test-Scouts/LLM-Req-Traceability/internal/config"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/engine"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/modelreg"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/spec"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/registry"
)

// engineRun 可在测试中替换。
var engineRun = engine.Run

type runFlags struct {
	requirements   string
	tests          string
	session        string
	outputDir      string
	format         string
	llm            string
	concurrency    int
	maxTokens      int
	maxRetries     int
	keepRaw        bool
	persistHistory bool
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Query the model for every requirement and write a run artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.requirements, "requirements", "", "需求 CSV 路径")
	fl.StringVar(&f.tests, "tests", "", "测试 CSV 路径")
	fl.StringVar(&f.session, "session", "", "会话名（运行工件首个路径段）；缺省为 provider 名称")
	fl.StringVar(&f.outputDir, "output-dir", "", "运行工件输出根目录")
	fl.StringVar(&f.format, "format", "", "工件格式 json|yaml")
	fl.StringVar(&f.llm, "llm", "", "provider 名称（覆盖配置）")
	fl.IntVar(&f.concurrency, "concurrency", 0, "并发度（覆盖配置）")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "单次请求 token 上限（覆盖配置）")
	// max-retries 允许显式设置为 0；默认 -1 表示“未覆盖”。
	fl.IntVar(&f.maxRetries, "max-retries", -1, "限流/网络错误最大重试次数（覆盖配置；0 表示不重试）")
	fl.BoolVar(&f.keepRaw, "keep-raw", false, "在运行工件中保留模型原始输出")
	fl.BoolVar(&f.persistHistory, "persist-history", false, "跨需求保留会话记录（要求并发为 1）")
	return cmd
}

func (f runFlags) overlay() cfgpkg.Config {
	return cfgpkg.Config{
		Requirements:   f.requirements,
		Tests:          f.tests,
		Session:        f.session,
		OutputDir:      f.outputDir,
		Format:         f.format,
		LLM:            f.llm,
		Concurrency:    f.concurrency,
		MaxTokens:      f.maxTokens,
		MaxRetries:     f.maxRetries,
		KeepRaw:        f.keepRaw,
		PersistHistory: f.persistHistory,
	}
}

func (a *app) run(ctx context.Context, f runFlags) error {
	start := time.Now()
	cfg, err := a.loadConfig(f.overlay())
	logger := a.newLogger(cfg)
	defer logger.Close()
	if err != nil {
		return a.configErr(logger, nil, start, err)
	}
	if err := cfgpkg.ValidateRun(cfg); err != nil {
		return a.configErr(logger, &cfg, start, fmt.Errorf("配置校验失败: %w", err))
	}
	runID := uuid.NewString()
	logger.SetRunID(runID)

	asm, err := cfgpkg.Assemble(cfg, registry.Deps{Models: modelreg.New()})
	if err != nil {
		return a.configErr(logger, nil, start, fmt.Errorf("装配失败: %w", err))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s, err := spec.LoadFiles(ctx, asm.Splitter, cfg.Requirements, cfg.Tests)
	if err != nil {
		return a.configErr(logger, nil, start, fmt.Errorf("语料加载失败: %w", err))
	}
	logger.DebugStart("config", "effective", "", map[string]string{
		"llm":          cfg.LLM,
		"client":       cfg.Provider[cfg.LLM].Client,
		"concurrency":  strconv.Itoa(cfg.Concurrency),
		"max_tokens":   strconv.Itoa(cfg.MaxTokens),
		"max_retries":  strconv.Itoa(cfg.MaxRetries),
		"requirements": strconv.Itoa(len(s.Requirements())),
		"tests":        strconv.Itoa(len(s.Tests())),
	})

	term := diag.NewTerminal(a.stderr, a.g.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	if term != nil {
		term.RunStart(cfg.Concurrency, cfg.LLM)
	}

	t := logger.Start("cli", "run")
	startedAt := diag.NowUTC()
	res, err := engineRun(ctx, s, asm.Engine, asm.Settings, logger)
	if err != nil {
		return a.runErr(logger, term, start, err)
	}
	session := sessionName(cfg)
	art := contract.RunArtifact{
		Meta: contract.RunMeta{
			RunID:        runID,
			Session:      session,
			Backend:      cfg.LLM,
			Model:        res.Model,
			ReqPath:      cfg.Requirements,
			TestPath:     cfg.Tests,
			MappingPath:  cfg.Mapping,
			Fingerprint:  res.Fingerprint,
			Drift:        res.Drift,
			InputTokens:  res.Usage.Input,
			OutputTokens: res.Usage.Output,
			StartedAt:    startedAt,
			FinishedAt:   diag.NowUTC(),
		},
		Data: res.Response,
		Raw:  res.Raw,
	}
	id := artifactID(session, start, asm.Assembler.Ext())
	if err := writeArtifact(ctx, asm.Assembler, asm.Writer, id, art); err != nil {
		return a.runErr(logger, term, start, err)
	}
	if p := strings.TrimSpace(cfg.Metrics.Textfile); p != "" {
		if err := diag.WriteTextfile(p); err != nil {
			logger.Warn("cli", string(diag.CodeIO), "metrics textfile: "+err.Error(), "", nil)
		}
	}
	t.Finish("run", int64(len(res.Response.Links)))
	diag.IncOp("cli", "finish", "success")
	if term != nil {
		term.RunFinish(true, time.Since(start))
	}
	fmt.Fprintln(a.stdout, path.Join(cfg.OutputDir, string(id)))
	return nil
}

func (a *app) runErr(logger *diag.Logger, term *diag.Terminal, start time.Time, err error) error {
	code := string(diag.Classify(err))
	logger.Error("cli", code, "first error", &start)
	diag.IncOp("cli", "error", "error")
	if code != string(diag.CodeUnknown) {
		diag.IncError("cli", code)
	}
	if term != nil {
		term.RunFinish(false, time.Since(start))
	}
	if errors.Is(err, context.Canceled) {
		return fail(exitRun, nil)
	}
	return fail(exitRun, fmt.Errorf("运行失败: %w", err))
}

// sessionName: 配置的会话名，缺省为 provider 名称；路径分隔符替换为 "_"。
func sessionName(cfg cfgpkg.Config) string {
	s := strings.TrimSpace(cfg.Session)
	if s == "" {
		s = cfg.LLM
	}
	s = strings.NewReplacer("/", "_", "\\", "_").Replace(s)
	if s == "" || s == "." || s == ".." {
		s = "default"
	}
	return s
}

// artifactID 返回 {session}/{YYYY-MM-DD}/{HH-MM-SS.ffffff}/res.{ext}（本地时间）。
func artifactID(session string, t time.Time, ext string) contract.ArtifactID {
	return contract.ArtifactID(path.Join(session, t.Format("2006-01-02"), t.Format("15-04-05.000000"), "res."+ext))
}

func writeArtifact(ctx context.Context, asm contract.Assembler, w contract.Writer, id contract.ArtifactID, v any) error {
	r, err := asm.Assemble(ctx, v)
	if err != nil {
		return fmt.Errorf("assemble artifact: %w", err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := w.Write(ctx, id, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write artifact %s: %w", id, err)
	}
	return nil
}
