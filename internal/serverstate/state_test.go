package serverstate

import (
	"testing"
	"time"
)

func TestSignalShutdownIdempotent(t *testing.T) {
	s := New()
	for i := 0; i < 5; i++ {
		s.SignalShutdown("test")
	}
	if !s.ShouldShutdown() {
		t.Fatal("expected shutdown to be signaled")
	}
}

func TestSignalErrorSetsBothLatchesOnce(t *testing.T) {
	s := New()
	s.SignalError("first")
	s.SignalError("second")

	if !s.ShouldShutdown() {
		t.Fatal("expected error to imply shutdown")
	}
	if !s.HasError() {
		t.Fatal("expected HasError true")
	}
	if msg := s.ErrorMessage(); msg != "first" {
		t.Fatalf("expected first error message retained, got %q", msg)
	}
}

func TestWaitForShutdownTimeout(t *testing.T) {
	s := New()
	if s.WaitForShutdown(20 * time.Millisecond) {
		t.Fatal("expected timeout (false) with no shutdown signaled")
	}
}

func TestWaitForShutdownUnblocks(t *testing.T) {
	s := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.SignalShutdown("done")
	}()
	if !s.WaitForShutdown(2 * time.Second) {
		t.Fatal("expected WaitForShutdown to observe the signal")
	}
}

func TestDoneChannelClosedOnShutdown(t *testing.T) {
	s := New()
	select {
	case <-s.Done():
		t.Fatal("done channel should not be closed yet")
	default:
	}
	s.SignalShutdown("x")
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel should be closed after shutdown")
	}
}
