package clock

import (
	"context"
	"testing"
	"time"
)

func TestRealSleep(t *testing.T) {
	t.Run("completes for zero duration", func(t *testing.T) {
		if !(Real{}).Sleep(context.Background(), 0) {
			t.Error("zero sleep should complete")
		}
	})

	t.Run("completes for short duration", func(t *testing.T) {
		if !(Real{}).Sleep(context.Background(), time.Millisecond) {
			t.Error("short sleep should complete")
		}
	})

	t.Run("interrupted by cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		start := time.Now()
		if (Real{}).Sleep(ctx, time.Minute) {
			t.Error("cancelled sleep should report interruption")
		}
		if time.Since(start) > time.Second {
			t.Error("cancelled sleep should return promptly")
		}
	})
}
