package store

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"

	"github.com/endetect/ennotif/internal/errs"
)

func TestBackoffOnBusyRetriesUntilSuccess(t *testing.T) {
	b := newBackoff(rate.Inf, 1)
	attempts := 0
	err := b.onBusy(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errs.New(errs.StoreBusy, "locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("onBusy: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestBackoffOnBusyPassesThroughOtherErrors(t *testing.T) {
	b := newBackoff(rate.Inf, 1)
	want := errors.New("boom")
	attempts := 0
	err := b.onBusy(context.Background(), func() error {
		attempts++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (non-busy errors must not retry)", attempts)
	}
}

func TestBackoffOnBusyStopsOnContextCancel(t *testing.T) {
	b := newBackoff(rate.Limit(0), 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.onBusy(ctx, func() error {
		return errs.New(errs.StoreBusy, "locked")
	})
	if err == nil {
		t.Fatal("onBusy: want error on canceled context, got nil")
	}
}
