package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/Test-Scouts/LLM-Req-Traceability/pkg/contract"
)

// LimitKey: 限流分组键（例如 provider 名称或 client+key 摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int `json:"rpm"`                // requests per minute
	TPM             int `json:"tpm"`                // tokens per minute
	MaxTokensPerReq int `json:"max_tokens_per_req"` // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 默认为 1；必须 >=1
	Tokens   int // 预计 token （>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过单请求上限或桶容量时返回 ErrBudgetExceeded。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false 且不消耗额度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

// entry: 两个维度各一个令牌桶；nil 表示该维度关闭。
type entry struct {
	lim Limits
	req *xrate.Limiter
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = xrate.NewLimiter(xrate.Limit(float64(lim.RPM)/60.0), lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = xrate.NewLimiter(xrate.Limit(float64(lim.TPM)/60.0), lim.TPM)
	}
	return e
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func validate(e *entry, a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: %w: %d tokens > max_tokens_per_req %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	return nil
}

// reservation: 两维度的预留；nil 维度视为立即可用。
type reservation struct {
	req, tok *xrate.Reservation
}

func (e *entry) reserve(now time.Time, a Ask) (reservation, error) {
	var r reservation
	if e.req != nil {
		r.req = e.req.ReserveN(now, a.Requests)
		if !r.req.OK() {
			return reservation{}, fmt.Errorf("rate: %w: %d requests > rpm %d", contract.ErrBudgetExceeded, a.Requests, e.lim.RPM)
		}
	}
	if e.tok != nil && a.Tokens > 0 {
		r.tok = e.tok.ReserveN(now, a.Tokens)
		if !r.tok.OK() {
			r.cancel(now)
			return reservation{}, fmt.Errorf("rate: %w: %d tokens > tpm %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.TPM)
		}
	}
	return r, nil
}

func (r reservation) delay(now time.Time) time.Duration {
	var d time.Duration
	if r.req != nil {
		d = r.req.DelayFrom(now)
	}
	if r.tok != nil {
		if t := r.tok.DelayFrom(now); t > d {
			d = t
		}
	}
	return d
}

func (r reservation) cancel(now time.Time) {
	if r.req != nil {
		r.req.CancelAt(now)
	}
	if r.tok != nil {
		r.tok.CancelAt(now)
	}
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if validate(e, a) != nil {
		return false
	}
	now := g.clk()
	r, err := e.reserve(now, a)
	if err != nil {
		return false
	}
	if r.delay(now) > 0 {
		r.cancel(now)
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := validate(e, a); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := g.clk()
	r, err := e.reserve(now, a)
	if err != nil {
		return err
	}
	d := r.delay(now)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.cancel(g.clk())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求/令牌的“向下取整”估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	if e.req != nil {
		rpmAvail = clamp(e.req.TokensAt(now), e.lim.RPM)
	}
	if e.tok != nil {
		tpmAvail = clamp(e.tok.TokensAt(now), e.lim.TPM)
	}
	return
}

func clamp(v float64, hi int) int {
	if v < 0 {
		return 0
	}
	if v > float64(hi) {
		return hi
	}
	return int(v)
}

// 接口断言（可选）。
var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
