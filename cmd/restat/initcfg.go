package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cfgpkg "github.com/Test-Scouts/LLM-Req-Traceability/internal/config"
)

func (a *app) initCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write a runnable config template and a .env template (never overwrites)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return a.initConfig(dir, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "模板格式 json|yaml")
	return cmd
}

func (a *app) initConfig(dir, format string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(exitConfig, fmt.Errorf("生成默认配置失败: %w", err))
	}
	b, name, err := renderTemplate(cfgpkg.DefaultTemplateConfig(), format)
	if err != nil {
		return fail(exitConfig, err)
	}
	cfgPath := filepath.Join(dir, name)
	created, err := createNew(cfgPath, b)
	if err != nil {
		return fail(exitConfig, fmt.Errorf("生成默认配置失败: %w", err))
	}
	report := func(p string, ok bool) {
		if ok {
			fmt.Fprintf(a.stdout, "wrote %s\n", p)
		} else {
			fmt.Fprintf(a.stdout, "skipped %s (exists)\n", p)
		}
	}
	report(cfgPath, created)
	envPath := filepath.Join(dir, dotEnvPath)
	created, err = createNew(envPath, []byte(cfgpkg.DotEnvTemplate()))
	if err != nil {
		fmt.Fprintf(a.stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
		return nil
	}
	report(envPath, created)
	return nil
}

// renderTemplate 以 JSON 或 YAML 编码模板；YAML 由 JSON 形态转换，键名一致。
func renderTemplate(c cfgpkg.Config, format string) ([]byte, string, error) {
	j, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, "", err
	}
	switch format {
	case "", "json":
		return append(j, '\n'), "config.json", nil
	case "yaml", "yml":
		var doc any
		if err := json.Unmarshal(j, &doc); err != nil {
			return nil, "", err
		}
		y, err := yaml.Marshal(doc)
		if err != nil {
			return nil, "", err
		}
		return y, "config.yaml", nil
	default:
		return nil, "", fmt.Errorf("init-config: unknown format %q", format)
	}
}

// createNew 仅在文件不存在时写入；已存在返回 false。
func createNew(p string, b []byte) (bool, error) {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return false, err
	}
	return true, nil
}
