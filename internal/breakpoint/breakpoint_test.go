package breakpoint

import (
	"context"
	"testing"
	"time"

	"github.com/syrahproxy/syrah/internal/flow"
)

func TestResumeUnmodifiedUnblocksPause(t *testing.T) {
	c := New()
	done := make(chan error, 1)
	go func() {
		_, err := c.Pause(context.Background(), "f1", flow.PhaseRequest)
		done <- err
	}()

	// Wait for the pause to register before resuming.
	for !c.IsPaused("f1") {
		time.Sleep(time.Millisecond)
	}
	if !c.Resume("f1", Resolution{}) {
		t.Fatal("Resume returned false for a paused flow")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Pause returned error %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pause did not unblock")
	}
}

func TestAbortReturnsErrAborted(t *testing.T) {
	c := New()
	done := make(chan error, 1)
	go func() {
		_, err := c.Pause(context.Background(), "f1", flow.PhaseResponse)
		done <- err
	}()
	for !c.IsPaused("f1") {
		time.Sleep(time.Millisecond)
	}
	c.Abort("f1")

	select {
	case err := <-done:
		if err != ErrAborted {
			t.Errorf("err = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pause did not unblock on abort")
	}
}

func TestOnHitFiresBeforeBlocking(t *testing.T) {
	c := New()
	hit := make(chan HitEvent, 1)
	c.OnHit = func(e HitEvent) { hit <- e }

	go c.Pause(context.Background(), "f2", flow.PhaseRequest)

	select {
	case e := <-hit:
		if e.FlowID != "f2" || e.Phase != flow.PhaseRequest {
			t.Errorf("unexpected hit event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("OnHit was not called")
	}
	c.Abort("f2")
}

func TestContextCancelAbortsPause(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Pause(ctx, "f3", flow.PhaseRequest)
		done <- err
	}()
	for !c.IsPaused("f3") {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != ErrAborted {
			t.Errorf("err = %v, want ErrAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pause did not unblock on context cancel")
	}
}

func TestResumeOnUnknownFlowReturnsFalse(t *testing.T) {
	c := New()
	if c.Resume("nonexistent", Resolution{}) {
		t.Error("expected Resume to return false for unknown flow id")
	}
}
