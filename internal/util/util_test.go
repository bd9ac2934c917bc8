package util

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStops(t *testing.T) {
	attempts := 0
	authErr := errors.New("unauthorized")

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		return Permanent(authErr)
	})

	if !errors.Is(err, authErr) {
		t.Fatalf("Retry returned %v, want the permanent error", err)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times, want 1", attempts)
	}
}

func TestRetryBackoffGrows(t *testing.T) {
	var waits []time.Duration
	err := RetryNotify(context.Background(), 3, time.Millisecond, func() error {
		return errors.New("boom")
	}, func(_ error, d time.Duration) {
		waits = append(waits, d)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(waits) != 2 {
		t.Fatalf("notify called %d times, want 2", len(waits))
	}
	if waits[1] <= waits[0] {
		t.Errorf("delays did not grow: %v", waits)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, 5, time.Hour, func() error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Retry returned %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("Retry called fn %d times after cancel, want 1", attempts)
	}
}

func TestRateLimiterNew(t *testing.T) {
	rl := NewRateLimiter(60)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
}

// Reservations made at the same instant are spread so that no one-minute
// window contains more than the configured number of permits.
func TestRateLimiterWindow(t *testing.T) {
	const perMinute = 10
	rl := NewRateLimiter(perMinute)
	now := time.Now()

	var at []time.Time
	for i := 0; i < 35; i++ {
		at = append(at, now.Add(rl.reserveAt(now)))
	}

	for i := range at {
		n := 0
		for j := i; j < len(at) && at[j].Sub(at[i]) < time.Minute; j++ {
			n++
		}
		if n > perMinute {
			t.Fatalf("window starting at permit %d holds %d permits, want <= %d", i, n, perMinute)
		}
	}
}

func TestRateLimiterBlocksInsteadOfFailing(t *testing.T) {
	rl := NewRateLimiter(6000) // one token every 10ms

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rl.Wait(context.Background()); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	if failed.Load() != 0 {
		t.Errorf("%d waits failed, want 0", failed.Load())
	}
}

func TestRateLimiterWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(1)
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Error("Wait should fail when the context ends before a token is available")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("debug", "json", &buf).Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output = %q", buf.String())
	}

	buf.Reset()
	NewLogger("warn", "text", &buf).Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info record leaked at warn level: %q", buf.String())
	}
}

func TestNewTeeLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var console bytes.Buffer
	logger, f, err := NewTeeLogger("info", "json", dir, "kline-sync", &console)
	if err != nil {
		t.Fatalf("NewTeeLogger: %v", err)
	}
	logger.Info("tee", "k", "v")
	f.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "kline-sync-*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v, want one", matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"tee"`) {
		t.Errorf("log file = %q", data)
	}
	if !strings.Contains(console.String(), `"msg":"tee"`) {
		t.Errorf("console = %q", console.String())
	}
}
