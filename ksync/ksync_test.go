package ksync

import (
	"context"
	"testing"
	"time"
)

func TestExitSemSignalWakesWaiter(t *testing.T) {
	e := NewExitSem()
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := e.Wait(ctx); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	e.Signal()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Signal")
	}
}

func TestExitSemWaitTimesOutWithoutSignal(t *testing.T) {
	e := NewExitSem()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := e.Wait(ctx); err == nil {
		t.Fatal("expected timeout error without Signal")
	}
}
