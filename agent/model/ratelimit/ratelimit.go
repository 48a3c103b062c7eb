// Package ratelimit provides an adaptive token-bucket middleware for
// model.Client, grounded on the AIMD limiter shape of
// features/model/middleware/ratelimit.go: a tokens-per-minute budget that
// backs off on model.ErrRateLimited and probes back up on success. The
// cluster-coordinated variant (a shared budget replicated across processes
// via a goa.design/pulse rmap.Map) is dropped here: this module already
// replaced pulse with go-redis directly for agent/registry/remote, and nothing
// in this module yet needs a rate budget shared across processes rather than
// owned per-process, so the simpler process-local limiter is all that's
// wired. golang.org/x/time/rate still does the actual token bucket work.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/levelcode/agentkit/agent/model"
)

// Limiter applies an AIMD-style adaptive token bucket in front of a
// model.Client: it estimates the token cost of each request, blocks the
// caller until budget is available, then halves its tokens-per-minute
// budget on a rate-limited response and grows it gradually on success.
type Limiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// New constructs a Limiter with an initial tokens-per-minute budget and an
// upper bound. maxTPM is clamped up to initialTPM if it is lower; a
// non-positive initialTPM defaults to a conservative 60000 TPM.
func New(initialTPM, maxTPM float64) *Limiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap decorates next with this Limiter's Complete/Stream gating. Returns
// nil if next is nil.
func (l *Limiter) Wrap(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    model.Client
	limiter *Limiter
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return s, err
}

func (l *Limiter) wait(ctx context.Context, req *model.Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *Limiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff()
	}
}

func (l *Limiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *Limiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM applies newTPM to the underlying limiter. Callers hold l.mu.
func (l *Limiter) setTPM(newTPM float64) {
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// estimateTokens is a cheap heuristic over a request's text content: roughly
// one token per three characters, plus a fixed buffer for system prompts and
// provider framing.
func estimateTokens(req *model.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				charCount += len(v.Text)
			case model.ToolResultPart:
				if s, ok := v.Content.(string); ok {
					charCount += len(s)
				}
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
