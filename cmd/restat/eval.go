package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "github.com/Test-Scouts/LLM-Req-Traceability/internal/config"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/eval"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/spec"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

type evalFlags struct {
	requirements string
	tests        string
	mapping      string
	outDir       string
	resDir       string
	mode         string
	format       string
}

func (a *app) evalCmd() *cobra.Command {
	var f evalFlags
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate every run artifact against the ground-truth mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.eval(cmd.Context(), f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.requirements, "requirements", "", "需求 CSV 路径")
	fl.StringVar(&f.tests, "tests", "", "测试 CSV 路径（定义测试全集）")
	fl.StringVar(&f.mapping, "mapping", "", "真值映射 CSV 路径（Req ID, Test IDs）")
	fl.StringVar(&f.outDir, "out-dir", "", "运行工件根目录；缺省为 output_dir")
	fl.StringVar(&f.resDir, "res-dir", "", "汇总输出目录")
	fl.StringVar(&f.mode, "mode", "", "评估模式 matrix|label")
	fl.StringVar(&f.format, "format", "", "评估工件格式 json|yaml")
	return cmd
}

func (a *app) eval(ctx context.Context, f evalFlags) error {
	start := time.Now()
	cfg, err := a.loadConfig(cfgpkg.Config{
		Requirements: f.requirements,
		Tests:        f.tests,
		Mapping:      f.mapping,
		Format:       f.format,
		MaxRetries:   -1,
		Eval:         cfgpkg.Eval{OutDir: f.outDir, ResDir: f.resDir, Mode: f.mode},
	})
	logger := a.newLogger(cfg)
	defer logger.Close()
	if err != nil {
		return a.configErr(logger, nil, start, err)
	}
	ea, err := cfgpkg.AssembleEval(cfg)
	if err != nil {
		return a.configErr(logger, nil, start, fmt.Errorf("装配失败: %w", err))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s, err := spec.LoadFiles(ctx, ea.Splitter, cfg.Requirements, cfg.Tests)
	if err != nil {
		return a.configErr(logger, nil, start, fmt.Errorf("语料加载失败: %w", err))
	}
	truth, err := loadTruth(ctx, ea.Splitter, cfg.Mapping)
	if err != nil {
		return a.configErr(logger, nil, start, fmt.Errorf("真值加载失败: %w", err))
	}
	for _, req := range s.RequirementIndex().Originals() {
		if _, ok := truth.Expected(req); !ok {
			logger.Warn("eval", "lookup", "corpus requirement missing from ground truth", req, nil)
		}
	}

	term := diag.NewTerminal(a.stderr, a.g.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)

	r := ea.Runner
	r.Truth = truth
	r.Universe = s.Universe()
	r.TestPath = cfg.Tests
	r.LoadUniverse = func(ctx context.Context, p string) (map[string]struct{}, error) {
		return spec.LoadUniverse(ctx, ea.Splitter, p)
	}
	r.Logger = logger
	sum, err := r.Run(ctx, ea.OutDir, ea.Mode)
	if err != nil {
		return a.runErr(logger, term, start, err)
	}
	if term != nil {
		term.RunFinish(true, time.Since(start))
	}
	fmt.Fprintf(a.stdout, "evaluated %d run(s) in %d session(s): %s\n", sum.Runs, len(sum.Sessions), strings.Join(sum.Sessions, ", "))
	return nil
}

func loadTruth(ctx context.Context, sp contract.Splitter, p string) (eval.Truth, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return eval.LoadTruth(ctx, sp, contract.NormalizeFileID(p), f)
}
