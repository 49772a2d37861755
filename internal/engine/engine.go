package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Test-Scouts/LLM-Req-Traceability/internal/diag"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/prompt"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/rate"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/session"
	"github.com/Test-Scouts/LLM-Req-Traceability/internal/spec"
	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// - 单点并发：仅此层管理并发；原子组件均为同步、无内部并发。
// - 输出有序：结果按需求位置存放，组装时按语料顺序遍历，与并发度无关。
// - 首错取消：后端/闸门/预算错误记录首错并 cancel 整体；解析失败只记入 Err，不中断运行。
// - 模型加载中：ErrModelLoading 为可轮询信号，按 LoadPoll 间隔重试，不计入重试次数。

const (
	defaultRetryDelay = 200 * time.Millisecond
	defaultLoadPoll   = 500 * time.Millisecond
)

// Components 聚合运行所需的原子组件。
type Components struct {
	PromptBuilder contract.PromptBuilder
	Backend       contract.Backend
	Decoder       contract.Decoder
}

// Settings 运行期配置。
type Settings struct {
	// Concurrency: 同时在途的需求查询数；<=1 为严格顺序。
	Concurrency int
	// 预算：单次请求（输入估算 + 预期输出）上限；<=0 关闭。
	MaxTokens     int
	BytesPerToken int
	// MaxRetries: 限流/网络错误的最大重试次数；0 表示不重试。解析失败从不重试。
	MaxRetries int
	RetryDelay time.Duration
	Sampling   contract.Sampling
	// PersistHistory: 跨需求保留会话记录（要求 Concurrency<=1）。
	PersistHistory bool
	// KeepRaw: 保留每条需求的模型原始输出。
	KeepRaw bool
	// 限流闸门（可选）与分组键。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// LoadPoll: 模型加载中时的轮询间隔。
	LoadPoll time.Duration
}

// Result 为一次运行的产物。
type Result struct {
	Response    contract.Response
	Usage       contract.Usage
	Fingerprint string
	Drift       []contract.Drift
	Model       string
	// Raw: 原始需求 ID → 模型原始输出（仅 KeepRaw）。
	Raw map[string]string
}

// outcome: 单条需求的处理结果（按位置存放）。
type outcome struct {
	links       []string
	fail        *contract.ParseFailure
	raw         string
	usage       contract.Usage
	fingerprint string
	model       string
}

// failureKind 由解码器的类型化错误实现。
type failureKind interface {
	FailureKind() string
}

// Run 对语料中每条需求发起一次查询，解析回答并组装 Response。
// 约束：
//  1. Response.Links 覆盖语料中每个原始需求 ID（解析失败为空列表）；
//  2. 链接保序、不去重；
//  3. 任一后端错误中止运行并返回该错误；
//  4. 指纹漂移只记录，不中止。
func Run(ctx context.Context, s *spec.Specification, comp Components, set Settings, logger *diag.Logger) (Result, error) {
	if err := sanity(s, comp, &set); err != nil {
		return Result{}, fmt.Errorf("sanity: %w", err)
	}
	reqs := s.Requirements()
	tests := s.Tests()
	reqPath, _ := s.Paths()

	if t := diag.GetTerminal(); t != nil {
		t.TaskStart(reqPath, len(reqs))
	}
	runStart := time.Now()
	ok := false
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.TaskFinish(ok, time.Since(runStart))
		}
	}()

	outs := make([]outcome, len(reqs))
	var done, parseErrs atomic.Int64
	progress := func(failed bool) {
		d := done.Add(1)
		p := parseErrs.Load()
		if failed {
			p = parseErrs.Add(1)
		}
		if t := diag.GetTerminal(); t != nil {
			t.Progress(int(d), len(reqs), int(p))
		}
	}

	w := &worker{s: s, comp: comp, set: set, logger: logger, tests: tests}

	if set.PersistHistory {
		hist := session.Transcript{}
		for i, r := range reqs {
			o, next, err := w.one(ctx, r, hist)
			if err != nil {
				return Result{}, err
			}
			hist = next
			outs[i] = o
			progress(o.fail != nil)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(set.Concurrency)
		for i, r := range reqs {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				o, _, err := w.one(gctx, r, session.Transcript{})
				if err != nil {
					return err
				}
				outs[i] = o
				progress(o.fail != nil)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
		// 父 ctx 在派发期间取消时 g.Wait 可能无错返回
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
	}

	res := assemble(s, reqs, outs, set.KeepRaw, logger)
	ok = true
	if logger != nil {
		logger.InfoFinish("engine", "run", runStart, int64(len(reqs)))
	}
	return res, nil
}

// worker 持有单条需求处理所需的只读状态。
type worker struct {
	s      *spec.Specification
	comp   Components
	set    Settings
	logger *diag.Logger
	tests  []contract.TestCase
}

// one 处理单条需求：构造提示 → 预算 → 闸门 → 会话交换 → 解码 → 还原标识。
// hist 为持久会话记录；临时模式传入零值并丢弃返回的记录。
func (w *worker) one(ctx context.Context, r contract.Requirement, hist session.Transcript) (outcome, session.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return outcome{}, hist, err
	}
	// 日志与工件统一使用原始需求 ID
	orig, _ := w.s.RequirementIndex().Original(r.ID)

	cp, err := w.comp.PromptBuilder.Build(ctx, contract.PromptInput{
		System:      w.s.SystemPrompt(),
		Template:    w.s.Template(),
		Requirement: r,
		Tests:       w.tests,
	})
	if err != nil {
		w.fail("prompt", "build failed", orig, err)
		return outcome{}, hist, fmt.Errorf("prompt build %s: %w", orig, err)
	}
	if len(cp) == 0 || cp[len(cp)-1].Role != contract.RoleUser {
		return outcome{}, hist, fmt.Errorf("prompt build %s: %w: last message must be user", orig, contract.ErrInvariantViolation)
	}
	tokens, err := prompt.CheckBudget(cp, w.set.BytesPerToken, w.set.MaxTokens, w.set.Sampling.MaxOutputTokens)
	if err != nil {
		w.fail("prompt", "budget exceeded", orig, err)
		return outcome{}, hist, fmt.Errorf("requirement %s: %w", orig, err)
	}

	// 会话：system 来自提示首条；持久模式沿用已有记录。
	base := hist
	if base.Len() == 0 {
		base = session.New(cp[:len(cp)-1]...)
	}
	user := cp[len(cp)-1].Content

	c, next, err := w.exchange(ctx, orig, base, user, tokens)
	if err != nil {
		return outcome{}, hist, fmt.Errorf("requirement %s: %w", orig, err)
	}

	o := outcome{raw: c.Text, usage: c.Usage, fingerprint: c.Fingerprint, model: c.Model}
	diag.AddTokens("input", c.Usage.Input)
	diag.AddTokens("output", c.Usage.Output)

	var dtimer *diag.Timer
	if w.logger != nil {
		dtimer = w.logger.StartWith("decoder", "decode", orig)
	}
	internal, derr := w.comp.Decoder.Decode(ctx, c.Text, w.s.TestIndex())
	if derr == nil {
		var links []string
		links, derr = w.s.TranslateLinks(internal)
		if derr == nil {
			o.links = links
		}
	}
	if derr != nil {
		if errors.Is(derr, context.Canceled) || errors.Is(derr, context.DeadlineExceeded) {
			return outcome{}, hist, derr
		}
		kind := ""
		var fk failureKind
		if errors.As(derr, &fk) {
			kind = fk.FailureKind()
		}
		o.links = []string{}
		o.fail = &contract.ParseFailure{Raw: c.Text, Detail: derr.Error(), Kind: kind}
		diag.IncParseFailure(kind)
		diag.IncOp("decoder", "error", "error")
		if w.logger != nil {
			w.logger.Warn("decoder", string(diag.Classify(derr)), "parse failed", orig, map[string]string{"kind": kind})
		}
	} else {
		if dtimer != nil {
			dtimer.Finish("decode", int64(len(o.links)))
		}
		diag.IncOp("decoder", "finish", "success")
	}
	if !w.set.PersistHistory {
		next = hist
	}
	return o, next, nil
}

// exchange 执行闸门等待与会话交换，按策略重试限流/网络错误并轮询模型加载。
func (w *worker) exchange(ctx context.Context, reqID string, base session.Transcript, user string, tokens int) (contract.Completion, session.Transcript, error) {
	attempts := w.set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; {
		if w.set.Gate != nil {
			if w.logger != nil {
				w.logger.DebugStart("gate", "ask", reqID, map[string]string{
					"tokens":  strconv.Itoa(tokens),
					"attempt": strconv.Itoa(attempt + 1),
				})
			}
			if err := w.set.Gate.Wait(ctx, rate.Ask{Key: w.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				// 闸门错误不重试（取消或超出单请求上限）
				w.fail("gate", "wait failed", reqID, err)
				return contract.Completion{}, base, err
			}
		}
		var btimer *diag.Timer
		if w.logger != nil {
			btimer = w.logger.StartWithKV("backend", "complete", reqID, map[string]string{
				"tokens":  strconv.Itoa(tokens),
				"attempt": strconv.Itoa(attempt + 1),
			})
		}
		c, next, err := session.Exchange(ctx, w.comp.Backend, base, user, w.set.Sampling)
		if err == nil {
			if btimer != nil {
				btimer.Finish("complete", int64(c.Usage.Input+c.Usage.Output))
			}
			diag.IncOp("backend", "finish", "success")
			return c, next, nil
		}
		lastErr = err
		if errors.Is(err, contract.ErrModelLoading) {
			if w.logger != nil {
				w.logger.DebugStart("backend", "model loading", reqID, nil)
			}
			if serr := sleepWithCtx(ctx, w.set.LoadPoll); serr != nil {
				return contract.Completion{}, base, serr
			}
			continue
		}
		w.fail("backend", "complete failed", reqID, err)
		if attempt+1 < attempts && shouldRetry(err) {
			if serr := sleepWithCtx(ctx, w.set.RetryDelay); serr != nil {
				return contract.Completion{}, base, serr
			}
			attempt++
			continue
		}
		break
	}
	return contract.Completion{}, base, lastErr
}

// fail 记录结构化错误日志与错误计数；上游 HTTP 错误附带状态码与消息片段。
func (w *worker) fail(comp, msg, reqID string, err error) {
	code := diag.Classify(err)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	if w.logger == nil {
		return
	}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv := map[string]string{"http_status": strconv.Itoa(ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
		w.logger.ErrorWithKV(comp, string(code), msg, nil, reqID, kv)
		return
	}
	w.logger.ErrorWith(comp, string(code), msg+": "+err.Error(), nil, reqID)
}

// assemble 按语料顺序组装 Response；重复的原始需求 ID 以后出现者为准。
// 指纹以首个观测值为基准，之后的不同值记为漂移。
func assemble(s *spec.Specification, reqs []contract.Requirement, outs []outcome, keepRaw bool, logger *diag.Logger) Result {
	res := Result{Response: contract.NewResponse()}
	if keepRaw {
		res.Raw = make(map[string]string, len(outs))
	}
	for i, o := range outs {
		orig, _ := s.RequirementIndex().Original(reqs[i].ID)
		res.Response.Links[orig] = o.links
		if o.fail != nil {
			res.Response.Err[orig] = *o.fail
		} else {
			delete(res.Response.Err, orig)
		}
		if keepRaw {
			res.Raw[orig] = o.raw
		}
		res.Usage = res.Usage.Add(o.usage)
		if res.Model == "" {
			res.Model = o.model
		}
		if o.fingerprint == "" {
			continue
		}
		if res.Fingerprint == "" {
			res.Fingerprint = o.fingerprint
			continue
		}
		if o.fingerprint != res.Fingerprint {
			d := contract.Drift{ReqID: orig, Want: res.Fingerprint, Got: o.fingerprint}
			res.Drift = append(res.Drift, d)
			if logger != nil {
				logger.Warn("engine", "drift", "backend fingerprint changed", orig, map[string]string{"want": d.Want, "got": d.Got})
			}
		}
	}
	return res
}

func sanity(s *spec.Specification, c Components, set *Settings) error {
	if s == nil {
		return fmt.Errorf("engine: %w: nil specification", contract.ErrInvalidInput)
	}
	if c.PromptBuilder == nil || c.Backend == nil || c.Decoder == nil {
		return fmt.Errorf("engine: %w: missing components", contract.ErrInvalidInput)
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if set.PersistHistory && set.Concurrency > 1 {
		return fmt.Errorf("engine: %w: persist_history requires concurrency 1", contract.ErrInvalidInput)
	}
	if set.MaxRetries < 0 {
		return fmt.Errorf("engine: %w: max_retries < 0", contract.ErrInvalidInput)
	}
	if set.RetryDelay <= 0 {
		set.RetryDelay = defaultRetryDelay
	}
	if set.LoadPoll <= 0 {
		set.LoadPoll = defaultLoadPoll
	}
	return nil
}

// shouldRetry: 取消不重试；限流/预算与网络类错误重试；其余不重试。
func shouldRetry(err error) bool {
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
