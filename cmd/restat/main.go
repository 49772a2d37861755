package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "github.com/Test-Scouts/LLM-Req-Traceability/internal/config"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
)

// 退出码：0 成功；1 运行失败；3 配置/语料结构错误。
const (
	exitOK      = 0
	exitRun     = 1
	exitConfig  = 3
	envCfgFile  = cfgpkg.EnvPrefix + "CONFIG_FILE"
	envCfgJSON  = cfgpkg.EnvPrefix + "CONFIG_JSON"
	dotEnvPath  = ".env"
	defaultLogs = "logs"
)

// exitError 携带退出码；由 execute 映射为进程退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, err error) error { return &exitError{code: code, err: err} }

// globalFlags: 所有子命令共享的旗标。
type globalFlags struct {
	config   string
	logLevel string
	logDir   string
	status   bool
}

// app 持有一次进程调用的可替换依赖（测试中替换 stdout/stderr 与日志目录）。
type app struct {
	stdout io.Writer
	stderr io.Writer
	corrID string
	g      globalFlags
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = cfgpkg.LoadDotEnv(dotEnvPath)
	a := &app{stdout: stdout, stderr: stderr, corrID: uuid.NewString()}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "%v\n", ee.err)
		}
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	fmt.Fprintf(stderr, "%v\n", err)
	return exitConfig
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "restat",
		Short:         "LLM-assisted requirement-to-test traceability",
		Long:          "restat asks a language model which test cases cover each requirement, stores the links as run artifacts, and evaluates runs against a ground-truth mapping.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.g.config, "config", "", "配置文件路径（.json/.yaml）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	pf.StringVar(&a.g.logLevel, "log-level", "", "日志级别 debug|info|warn|error（覆盖配置）")
	pf.StringVar(&a.g.logDir, "log-dir", defaultLogs, "日志目录")
	pf.BoolVar(&a.g.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")

	root.AddCommand(a.runCmd(), a.evalCmd(), a.initCmd())
	return root
}

// loadConfig 按优先级合并：默认 < 文件 < ENV < CLI。
func (a *app) loadConfig(cli cfgpkg.Config) (cfgpkg.Config, error) {
	path := a.g.config
	if path == "" {
		path = os.Getenv(envCfgFile)
	}
	var raw []byte
	if s := os.Getenv(envCfgJSON); s != "" && path == "" {
		raw = []byte(s)
	}
	if path == "" && len(raw) == 0 {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" || len(raw) > 0 {
		base, err := cfgpkg.LoadFile(path, raw)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	env, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, env)
	if a.g.logLevel != "" {
		cli.Logging.Level = a.g.logLevel
	}
	return cfgpkg.Merge(cfg, cli), nil
}

func (a *app) newLogger(cfg cfgpkg.Config) *diag.Logger {
	level := strings.TrimSpace(cfg.Logging.Level)
	if level == "" {
		level = "info"
	}
	return diag.NewLoggerAt(a.g.logDir, a.corrID, level)
}

// configErr 记录并返回配置类错误（退出码 3），同时打印脱敏后的有效配置便于诊断。
func (a *app) configErr(logger *diag.Logger, cfg *cfgpkg.Config, start time.Time, err error) error {
	logger.Error("cli", string(diag.Classify(err)), err.Error(), &start)
	diag.IncError("cli", string(diag.Classify(err)))
	if cfg != nil {
		a.dumpConfig(*cfg)
	}
	return fail(exitConfig, err)
}

// dumpConfig 打印有效配置；provider options 中的 api_key 被隐去。
func (a *app) dumpConfig(c cfgpkg.Config) {
	prov := make(map[string]cfgpkg.Provider, len(c.Provider))
	for k, p := range c.Provider {
		p.Options = redact(p.Options)
		prov[k] = p
	}
	c.Provider = prov
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintf(a.stderr, "有效配置:\n%s\n", b)
}

func redact(raw json.RawMessage) json.RawMessage {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return raw
	}
	if v, ok := m["api_key"].(string); ok && v != "" {
		m["api_key"] = "***"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return b
}
