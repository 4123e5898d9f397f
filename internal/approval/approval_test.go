package approval

import (
	"context"
	"testing"
	"time"
)

func TestBroker_AutoApprove(t *testing.T) {
	b := New(nil, time.Second)
	ok, err := b.RequestApproval(context.Background(), "sess-1", "bash", nil)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if !ok {
		t.Fatal("expected auto-approve to approve")
	}
}

func TestBroker_DenialQueuesFeedback(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, req Request) (Decision, error) {
		return Decision{Status: Denied, Reason: "no destructive ops"}, nil
	})
	b := New(decider, time.Second)

	ok, err := b.RequestApproval(context.Background(), "sess-1", "bash", nil)
	if err != nil {
		t.Fatalf("RequestApproval: %v", err)
	}
	if ok {
		t.Fatal("expected denial")
	}

	msgs := b.DrainFeedback("sess-1")
	if len(msgs) != 1 || msgs[0] != "User feedback: no destructive ops" {
		t.Fatalf("unexpected feedback: %v", msgs)
	}

	// Draining again returns nothing: queue is consumed.
	if msgs := b.DrainFeedback("sess-1"); len(msgs) != 0 {
		t.Fatalf("expected empty after drain, got %v", msgs)
	}
}

func TestBroker_Timeout(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, req Request) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
	b := New(decider, 10*time.Millisecond)

	dec, err := b.Request(context.Background(), Request{SessionID: "sess-2", ToolName: "bash"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if dec.Status != TimedOut {
		t.Fatalf("expected TimedOut, got %v", dec.Status)
	}
}

func TestBroker_CancelledContext(t *testing.T) {
	decider := DeciderFunc(func(ctx context.Context, req Request) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
	b := New(decider, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Request(ctx, Request{SessionID: "sess-3"})
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
