// Package progstep implements the programmatic step generator: a
// Template's HandleSteps function runs on its own goroutine and
// communicates with the Loop Controller through a bidirectional yield
// protocol, so that `y.Tool(...)`, `y.Step()`, `y.StepAll()`,
// `y.StepText(...)`, and `y.GenerateN(...)` calls block the generator
// goroutine until the controller has satisfied the request, the same way a
// cooperative generator/coroutine blocks on yield.
package progstep

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/levelcode/agentkit/agent"
)

type (
	// RequestKind identifies which yield protocol operation a Request
	// carries.
	RequestKind string

	// Request is one message from the generator goroutine to the
	// controller, blocking the generator until a matching Response
	// arrives.
	Request struct {
		Kind RequestKind

		// Tool request fields.
		ToolName        string
		ToolInput       map[string]any
		IncludeToolCall bool

		// StepText field.
		Text string

		// GenerateN field.
		N int
	}

	// Response answers a Request.
	Response struct {
		ToolResult agent.ToolResultContent
		EndedTurn  bool
		Err        error
		Texts      []string
	}

	// Runtime drives one running generator: it owns the channel pair the
	// generator's Yielder implementation uses, and exposes a pull-based
	// Next()/Resume() API for the Loop Controller.
	Runtime struct {
		reqCh  chan Request
		respCh chan Response

		mu       sync.Mutex
		finished bool
		runErr   error
		doneCh   chan struct{}
	}
)

const (
	KindTool       RequestKind = "tool"
	KindStep       RequestKind = "step"
	KindStepAll    RequestKind = "step_all"
	KindStepText   RequestKind = "step_text"
	KindGenerateN  RequestKind = "generate_n"
)

// ErrGeneratorFinished is returned by Resume when the generator goroutine
// has already returned.
var ErrGeneratorFinished = errors.New("progstep: generator has finished")

// Start launches run on its own goroutine, wiring it to a Runtime the
// caller drives via Next/Resume. run is given a yielder backed by the
// runtime's channel pair; it must be the only goroutine using that yielder.
func Start(ctx context.Context, run func(context.Context, agent.Yielder) error) *Runtime {
	rt := &Runtime{
		reqCh:  make(chan Request),
		respCh: make(chan Response),
		doneCh: make(chan struct{}),
	}
	y := &yielder{rt: rt}
	go func() {
		defer close(rt.doneCh)
		err := run(ctx, y)
		rt.mu.Lock()
		rt.finished = true
		rt.runErr = err
		rt.mu.Unlock()
	}()
	return rt
}

// Next blocks until the generator issues its next Request, or returns
// (Request{}, false) once the generator has returned (check Err() for the
// generator's own return value).
func (rt *Runtime) Next() (Request, bool) {
	select {
	case req := <-rt.reqCh:
		return req, true
	case <-rt.doneCh:
		return Request{}, false
	}
}

// Resume delivers resp as the answer to the most recent Request returned by
// Next, unblocking the generator goroutine.
func (rt *Runtime) Resume(resp Response) error {
	select {
	case rt.respCh <- resp:
		return nil
	case <-rt.doneCh:
		return ErrGeneratorFinished
	}
}

// Err returns the generator function's own return value once it has
// finished; nil before then.
func (rt *Runtime) Err() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.runErr
}

// Finished reports whether the generator goroutine has returned.
func (rt *Runtime) Finished() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.finished
}

// yielder implements agent.Yielder by round-tripping each call through the
// Runtime's channel pair.
type yielder struct {
	rt *Runtime
}

func (y *yielder) exchange(req Request) (Response, error) {
	select {
	case y.rt.reqCh <- req:
	case <-y.rt.doneCh:
		return Response{}, ErrGeneratorFinished
	}
	resp, ok := <-y.rt.respCh
	if !ok {
		return Response{}, ErrGeneratorFinished
	}
	return resp, nil
}

func (y *yielder) Tool(toolName string, input map[string]any, includeToolCall bool) (agent.ToolResultContent, error) {
	resp, err := y.exchange(Request{Kind: KindTool, ToolName: toolName, ToolInput: input, IncludeToolCall: includeToolCall})
	if err != nil {
		return agent.ToolResultContent{}, err
	}
	if resp.Err != nil {
		return agent.ToolResultContent{}, resp.Err
	}
	return resp.ToolResult, nil
}

func (y *yielder) Step() (bool, error) {
	resp, err := y.exchange(Request{Kind: KindStep})
	if err != nil {
		return false, err
	}
	return resp.EndedTurn, resp.Err
}

func (y *yielder) StepAll() error {
	resp, err := y.exchange(Request{Kind: KindStepAll})
	if err != nil {
		return err
	}
	return resp.Err
}

func (y *yielder) StepText(text string) error {
	resp, err := y.exchange(Request{Kind: KindStepText, Text: text})
	if err != nil {
		return err
	}
	return resp.Err
}

func (y *yielder) GenerateN(n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("progstep: GenerateN requires n > 0, got %d", n)
	}
	resp, err := y.exchange(Request{Kind: KindGenerateN, N: n})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Texts, nil
}

var _ agent.Yielder = (*yielder)(nil)
