package runner

import (
	"context"
	"testing"
	"time"
)

func TestLifecycleRunnerStopDrains(t *testing.T) {
	drained := make(chan struct{})
	lr := NewLifecycleRunner(DrainerFunc(func() error {
		close(drained)
		return nil
	}), Hooks{}, time.Second)

	done := make(chan error, 1)
	go func() { done <- lr.Run(context.Background()) }()

	for lr.State() != StateRunning {
		time.Sleep(5 * time.Millisecond)
	}
	if err := lr.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-drained:
	default:
		t.Fatalf("expected drainer to run")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return")
	}
	if lr.State() != StateStopped {
		t.Fatalf("expected stopped state, got %d", lr.State())
	}
}

func TestLifecycleRunnerRejectsDoubleRun(t *testing.T) {
	lr := NewLifecycleRunner(nil, Hooks{}, time.Second)
	go func() { _ = lr.Run(context.Background()) }()
	for lr.State() == StateNew {
		time.Sleep(5 * time.Millisecond)
	}
	if err := lr.Run(context.Background()); err == nil {
		t.Fatalf("expected error on second run")
	}
	_ = lr.Stop()
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	lr := NewLifecycleRunner(DrainerFunc(func() error {
		<-block
		return nil
	}), Hooks{}, 50*time.Millisecond)
	go func() { _ = lr.Run(context.Background()) }()
	for lr.State() != StateRunning {
		time.Sleep(5 * time.Millisecond)
	}
	if err := lr.Stop(); err == nil {
		t.Fatalf("expected drain timeout error")
	}
	close(block)
}
