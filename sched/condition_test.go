package sched

import (
	"testing"
	"time"
)

func TestWaitConditionWaitsForAllLocks(t *testing.T) {
	wc := NewWaitCondition()
	l1 := wc.Lock()
	l2 := wc.Lock()

	released := make(chan struct{})
	go func() {
		l1.Release(false)
		l2.Release(true)
		close(released)
	}()

	wc.Wait()
	select {
	case <-released:
	default:
		t.Errorf("Wait returned before every lock was released")
	}
}

func TestSuccessConditionResolvesOnFirstSuccess(t *testing.T) {
	sc := NewSuccessCondition()
	winner := sc.Lock()
	straggler := sc.Lock()

	go winner.Release(true)

	if !sc.WaitForSuccess() {
		t.Errorf("WaitForSuccess = false after a successful release")
	}
	// The straggler is still outstanding; releasing it late must be safe.
	straggler.Release(false)
}

func TestSuccessConditionResolvesFalseWhenAllFail(t *testing.T) {
	sc := NewSuccessCondition()
	l1 := sc.Lock()
	l2 := sc.Lock()

	go func() {
		l1.Release(false)
		l2.Release(false)
	}()

	if sc.WaitForSuccess() {
		t.Errorf("WaitForSuccess = true with no successful branch")
	}
}

func TestSuccessConditionDoubleReleaseIsIdempotent(t *testing.T) {
	sc := NewSuccessCondition()
	l := sc.Lock()
	l.Release(false)
	l.Release(false)

	done := make(chan bool, 1)
	go func() { done <- sc.WaitForSuccess() }()
	select {
	case ok := <-done:
		if ok {
			t.Errorf("WaitForSuccess = true, want false")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitForSuccess hung after a double release")
	}
}
