package eval

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
	"github.com/Test-Scouts/LLM-Req-Traceability/plugins/assembler/artifact"
)

// 评估模式。
const (
	ModeMatrix = "matrix"
	ModeLabel  = "label"
)

// RunNames 为运行工件的文件基名。
var RunNames = []string{"res.json", "res.yaml", "res.yml"}

// Runner 遍历输出目录中的运行工件并写出评估工件。
// 约束：
//  1. 运行按发现顺序（稳定字典序）评估，按首个路径段分组为会话；
//  2. 单次运行评估写在运行目录旁（RunWriter，根为 OutDir）；
//  3. 会话汇总与 res.log 写到 ResWriter；res.log 一次写出；
//  4. 工件解码失败中止评估；
//  5. 每次运行按其 meta.test_path 的测试语料计算全集（按路径缓存），
//     路径为空、等于 TestPath 或加载失败时使用 Universe。
type Runner struct {
	Reader    contract.Reader
	RunWriter contract.Writer
	ResWriter contract.Writer
	Assembler contract.Assembler
	Truth     Truth
	Universe  map[string]struct{}
	// TestPath: Universe 对应的测试语料路径（可选）。
	TestPath string
	// LoadUniverse: 按路径加载测试全集（可选；nil 时全部运行使用 Universe）。
	LoadUniverse func(ctx context.Context, testPath string) (map[string]struct{}, error)
	Logger       *diag.Logger

	universes map[contract.FileID]map[string]struct{}
}

// Summary: 评估概要。
type Summary struct {
	Sessions []string
	Runs     int
}

type runEntry struct {
	dir  string // 相对 OutDir 的运行目录
	arts contract.RunArtifact
}

// Run 执行评估；mode 为空时按 matrix。
func (r *Runner) Run(ctx context.Context, outDir, mode string) (Summary, error) {
	if r.Reader == nil || r.RunWriter == nil || r.ResWriter == nil || r.Assembler == nil {
		return Summary{}, fmt.Errorf("eval: %w: missing components", contract.ErrInvalidInput)
	}
	if mode == "" {
		mode = ModeMatrix
	}
	if mode != ModeMatrix && mode != ModeLabel {
		return Summary{}, fmt.Errorf("eval: %w: unknown mode %q", contract.ErrInvalidInput, mode)
	}
	start := time.Now()
	r.universes = map[contract.FileID]map[string]struct{}{}
	if r.TestPath != "" {
		r.universes[contract.NormalizeFileID(r.TestPath)] = r.Universe
	}
	groups, order, err := r.discover(ctx, outDir)
	if err != nil {
		return Summary{}, err
	}
	var log bytes.Buffer
	sum := Summary{}
	for _, session := range order {
		runs := groups[session]
		if t := diag.GetTerminal(); t != nil {
			t.TaskStart(session, len(runs))
		}
		t0 := time.Now()
		var err error
		if mode == ModeLabel {
			err = r.labels(ctx, outDir, session, runs, &log)
		} else {
			err = r.matrix(ctx, outDir, session, runs, &log)
		}
		if t := diag.GetTerminal(); t != nil {
			t.TaskFinish(err == nil, time.Since(t0))
		}
		if err != nil {
			return sum, err
		}
		sum.Sessions = append(sum.Sessions, session)
		sum.Runs += len(runs)
	}
	if err := r.ResWriter.Write(ctx, "res.log", &log); err != nil {
		return sum, fmt.Errorf("eval write res.log: %w", err)
	}
	if r.Logger != nil {
		r.Logger.InfoFinish("eval", "evaluate", start, int64(sum.Runs))
	}
	return sum, nil
}

// discover 读取全部运行工件并按会话分组；会话按名称排序。
func (r *Runner) discover(ctx context.Context, outDir string) (map[string][]runEntry, []string, error) {
	groups := map[string][]runEntry{}
	root := contract.NormalizeFileID(outDir)
	err := r.Reader.Iterate(ctx, []string{outDir}, func(id contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		var ra contract.RunArtifact
		if err := artifact.Decode(string(id), rc, &ra); err != nil {
			return err
		}
		session := contract.FirstSegment(root, id)
		if session == "" {
			session = ra.Meta.Session
		}
		if session == "" {
			session = "default"
		}
		groups[session] = append(groups[session], runEntry{dir: relDir(root, id), arts: ra})
		diag.IncOp("eval", "discover", "success")
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("eval discover: %w", err)
	}
	order := make([]string, 0, len(groups))
	for s := range groups {
		order = append(order, s)
	}
	sort.Strings(order)
	return groups, order, nil
}

// relDir 返回 id 所在目录相对 root 的路径（root 外返回完整目录）。
func relDir(root, id contract.FileID) string {
	dir := path.Dir(string(id))
	r := string(root)
	if r == "." {
		return dir
	}
	if dir == r {
		return "."
	}
	return strings.TrimPrefix(dir, r+"/")
}

// universeFor 返回某次运行的测试全集。
func (r *Runner) universeFor(ctx context.Context, run runEntry) map[string]struct{} {
	p := run.arts.Meta.TestPath
	if p == "" || r.LoadUniverse == nil {
		return r.Universe
	}
	key := contract.NormalizeFileID(p)
	if u, ok := r.universes[key]; ok {
		return u
	}
	u, err := r.LoadUniverse(ctx, p)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("eval", "universe", "run test corpus unavailable, using default universe", "", map[string]string{"run": run.dir, "test_path": p, "err": err.Error()})
		}
		u = r.Universe
	}
	r.universes[key] = u
	return u
}

func (r *Runner) matrix(ctx context.Context, outDir, session string, runs []runEntry, log *bytes.Buffer) error {
	evs := make([]Evaluation, len(runs))
	counts := make([]Counts, len(runs))
	for i, run := range runs {
		evs[i] = Evaluate(run.arts.Data.Links, r.Truth, r.universeFor(ctx, run), run.dir, r.Logger)
		counts[i] = evs[i].Matrix.Counts
		if t := diag.GetTerminal(); t != nil {
			t.Progress(i+1, len(runs), len(run.arts.Data.Err))
		}
	}
	prev := Prevalence(counts...)
	for i, run := range runs {
		rep := RunReport{Prevalence: prev, ConfusionMatrix: evs[i].Matrix}
		b, err := r.encode(ctx, rep)
		if err != nil {
			return err
		}
		if err := r.RunWriter.Write(ctx, contract.ArtifactID(path.Join(run.dir, "eval."+r.Assembler.Ext())), bytes.NewReader(b)); err != nil {
			return fmt.Errorf("eval write %s: %w", run.dir, err)
		}
		fmt.Fprintf(log, "%s\n", path.Join(outDir, run.dir))
		log.Write(b)
		log.WriteByte('\n')
	}
	agg := Summarize(session, evs)
	return r.writeRes(ctx, session+"."+r.Assembler.Ext(), agg)
}

func (r *Runner) labels(ctx context.Context, outDir, session string, runs []runEntry, log *bytes.Buffer) error {
	reps := make([]LabelReport, len(runs))
	for i, run := range runs {
		reps[i] = EvaluateLabels(run.arts.Data.Links, r.Truth, r.universeFor(ctx, run), run.dir, r.Logger)
		b, err := r.encode(ctx, reps[i])
		if err != nil {
			return err
		}
		if err := r.RunWriter.Write(ctx, contract.ArtifactID(path.Join(run.dir, "label-eval."+r.Assembler.Ext())), bytes.NewReader(b)); err != nil {
			return fmt.Errorf("eval write %s: %w", run.dir, err)
		}
		fmt.Fprintf(log, "%s\n%s\n", path.Join(outDir, run.dir), reps[i].String())
		if t := diag.GetTerminal(); t != nil {
			t.Progress(i+1, len(runs), len(run.arts.Data.Err))
		}
	}
	return r.writeRes(ctx, session+"-label."+r.Assembler.Ext(), SummarizeLabels(reps))
}

func (r *Runner) encode(ctx context.Context, v any) ([]byte, error) {
	rd, err := r.Assembler.Assemble(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("eval assemble: %w", err)
	}
	return io.ReadAll(rd)
}

func (r *Runner) writeRes(ctx context.Context, name string, v any) error {
	b, err := r.encode(ctx, v)
	if err != nil {
		return err
	}
	if err := r.ResWriter.Write(ctx, contract.ArtifactID(name), bytes.NewReader(b)); err != nil {
		return fmt.Errorf("eval write %s: %w", name, err)
	}
	return nil
}
