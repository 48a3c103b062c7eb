package ratelimit

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"github.com/levelcode/agentkit/agent/model"
)

type fakeClient struct {
	completeErr error

	completeCalls int
}

func (f *fakeClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	f.completeCalls++
	return nil, f.completeErr
}

func (f *fakeClient) Stream(_ context.Context, _ *model.Request) (model.Streamer, error) {
	return nil, f.completeErr
}

func TestLimiter_BackoffOnRateLimited(t *testing.T) {
	l := New(60000, 60000)
	initialTPM := l.currentTPM

	client := &fakeClient{completeErr: model.ErrRateLimited}
	wrapped := l.Wrap(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hello"}}},
		},
	}

	_, err := wrapped.Complete(context.Background(), &req)
	if err == nil || !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentTPM >= initialTPM {
		t.Fatalf("expected TPM to decrease, got %f (initial %f)", l.currentTPM, initialTPM)
	}
}

func TestLimiter_ProbeOnSuccess(t *testing.T) {
	l := New(60000, 120000)

	l.mu.Lock()
	initialTPM := l.currentTPM
	l.recoveryRate = 1000
	l.mu.Unlock()

	client := &fakeClient{}
	wrapped := l.Wrap(client)

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "hello"}}},
		},
	}

	if _, err := wrapped.Complete(context.Background(), &req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentTPM <= initialTPM {
		t.Fatalf("expected TPM to increase, got %f (initial %f)", l.currentTPM, initialTPM)
	}
}

func TestLimiter_RejectsRequestLargerThanBurst(t *testing.T) {
	l := New(60, 60)

	l.mu.Lock()
	l.currentTPM = 60
	l.limiter = rate.NewLimiter(0, 0)
	l.mu.Unlock()

	client := &fakeClient{}
	wrapped := l.Wrap(client)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	req := model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: string(longText)}}},
		},
	}

	if _, err := wrapped.Complete(context.Background(), &req); err == nil {
		t.Fatal("expected limiter error")
	}
	if client.completeCalls != 0 {
		t.Fatalf("expected underlying client not to be called, got %d calls", client.completeCalls)
	}
}

func TestEstimateTokensMonotonic(t *testing.T) {
	small := estimateTokens(&model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "short"}}},
		},
	})
	big := estimateTokens(&model.Request{
		Messages: []*model.Message{
			{Role: model.ConversationRoleUser, Parts: []model.Part{model.TextPart{Text: "this is a much longer message"}}},
		},
	})

	if small <= 0 {
		t.Fatalf("expected positive token estimate for small request, got %d", small)
	}
	if big <= small {
		t.Fatalf("expected larger estimate for larger request, small=%d big=%d", small, big)
	}
}

func TestLimiter_NilClientWrap(t *testing.T) {
	l := New(1000, 1000)
	if l.Wrap(nil) != nil {
		t.Fatal("expected Wrap(nil) to return nil")
	}
}
