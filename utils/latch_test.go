package utils

import (
	"errors"
	"testing"
	"time"
)

func TestLatchReleasesAtZero(t *testing.T) {
	l := NewCountDownLatch(2)
	done := make(chan error, 1)
	go func() { done <- l.Wait() }()

	l.CountDown(nil)
	select {
	case <-done:
		t.Fatal("latch released early")
	case <-time.After(10 * time.Millisecond):
	}

	l.CountDown(nil)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestLatchCarriesError(t *testing.T) {
	l := NewCountDownLatch(1)
	l.Add(1)
	boom := errors.New("boom")
	l.CountDown(boom)
	l.CountDown(nil)
	if err := l.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestLatchZeroReleasesImmediately(t *testing.T) {
	l := NewCountDownLatch(0)
	if err := l.Wait(); err != nil {
		t.Fatal(err)
	}
}
