package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/hangingahaw/bluebookify/pkg/contract"
)

// LimitKey: 限流分组键（client + sha256(api key)）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限（输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。每次 oracle 调用前申请一次。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败（ErrBudgetExceeded）。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false 且不消耗额度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度为一个容量等于每分钟额度、按秒匀速回填的令牌桶。
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

type entry struct {
	lim Limits
	req *xrate.Limiter // nil 表示该维度关闭
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = xrate.NewLimiter(perMinute(lim.RPM), lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = xrate.NewLimiter(perMinute(lim.TPM), lim.TPM)
	}
	return e
}

func perMinute(n int) xrate.Limit { return xrate.Limit(float64(n) / 60.0) }

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: bad ask %+v: %w", a, contract.ErrInvalidInput)
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: request needs %d tokens, limit %d: %w", a.Tokens, e.lim.MaxTokensPerReq, contract.ErrBudgetExceeded)
	}
	if e.tok != nil && a.Tokens > e.lim.TPM {
		// 桶容量不足以一次容纳
		return fmt.Errorf("rate: request needs %d tokens, tpm %d: %w", a.Tokens, e.lim.TPM, contract.ErrBudgetExceeded)
	}
	if e.req != nil && a.Requests > e.lim.RPM {
		return fmt.Errorf("rate: %d requests exceed rpm %d: %w", a.Requests, e.lim.RPM, contract.ErrBudgetExceeded)
	}
	return nil
}

// reserve 同时在两个维度预约；返回需等待的最长时间与撤销函数。
func (e *entry) reserve(now time.Time, a Ask) (time.Duration, func()) {
	var rs []*xrate.Reservation
	if e.req != nil {
		rs = append(rs, e.req.ReserveN(now, a.Requests))
	}
	if e.tok != nil && a.Tokens > 0 {
		rs = append(rs, e.tok.ReserveN(now, a.Tokens))
	}
	var d time.Duration
	for _, r := range rs {
		if w := r.DelayFrom(now); w > d {
			d = w
		}
	}
	cancel := func() {
		for _, r := range rs {
			r.CancelAt(now)
		}
	}
	return d, cancel
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	d, cancel := e.reserve(g.clk(), a)
	if d > 0 {
		cancel()
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := e.check(a); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d, cancel := e.reserve(g.clk(), a)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	if e.req != nil {
		rpmAvail = max(0, int(e.req.TokensAt(now)))
	}
	if e.tok != nil {
		tpmAvail = max(0, int(e.tok.TokensAt(now)))
	}
	return
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
