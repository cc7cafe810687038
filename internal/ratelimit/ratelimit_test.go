package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func waitCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "tablecall.ratelimit.waits" {
				continue
			}
			var total int64
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	l := New(0, -1)
	if l.tpm != DefaultTokensPerMinute || l.rpm != DefaultRequestsPerMinute {
		t.Errorf("tpm/rpm = %d/%d, want defaults", l.tpm, l.rpm)
	}
	if got := l.availableTokens(); got != DefaultTokensPerMinute {
		t.Errorf("availableTokens = %d, want full bucket %d", got, DefaultTokensPerMinute)
	}
}

func TestAcquire_FullBucketsDoNotWait(t *testing.T) {
	t.Parallel()

	m, reader := testMetrics(t)
	l := New(6000, 30, WithMetrics(m))

	start := time.Now()
	for range 5 {
		if err := l.Acquire(context.Background(), 500); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Acquire took %v with full buckets", elapsed)
	}
	if got := l.availableTokens(); got > 3500 || got < 3400 {
		t.Errorf("availableTokens = %d, want about 3500", got)
	}
	if got := waitCount(t, reader); got != 0 {
		t.Errorf("waits = %d, want 0", got)
	}
}

func TestAcquire_WaitsForTokenDeficit(t *testing.T) {
	t.Parallel()

	m, reader := testMetrics(t)
	// 60000 tpm refills 1000 tokens per second.
	l := New(60000, 6000, WithMetrics(m))
	ctx := context.Background()

	if err := l.Acquire(ctx, 60000); err != nil {
		t.Fatalf("drain: %v", err)
	}
	start := time.Now()
	if err := l.Acquire(ctx, 50); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("Acquire returned after %v, want about 50ms", elapsed)
	}
	if got := waitCount(t, reader); got != 1 {
		t.Errorf("waits = %d, want 1", got)
	}
}

func TestAcquire_RequestBucket(t *testing.T) {
	t.Parallel()

	m, _ := testMetrics(t)
	l := New(6000, 2, WithMetrics(m))
	ctx := context.Background()

	for range 2 {
		if err := l.Acquire(ctx, 1); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}

	// The third request needs 30s of refill at 2 rpm.
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestAcquire_CancelReturnsTokens(t *testing.T) {
	t.Parallel()

	m, _ := testMetrics(t)
	l := New(600, 600, WithMetrics(m))
	ctx := context.Background()

	if err := l.Acquire(ctx, 600); err != nil {
		t.Fatalf("drain: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(cctx, 300); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	// The cancelled reservation must not leave a 300-token debt behind.
	if got := l.availableTokens(); got < -5 {
		t.Errorf("availableTokens = %d after cancel, want about 0", got)
	}
}

func TestAcquire_ClampsOversizedRequest(t *testing.T) {
	t.Parallel()

	m, _ := testMetrics(t)
	l := New(1000, 30, WithMetrics(m))

	if err := l.Acquire(context.Background(), 5000); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := l.availableTokens(); got > 5 {
		t.Errorf("availableTokens = %d, want bucket drained", got)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	m, _ := testMetrics(t)
	l := New(6000, 1, WithMetrics(m))
	ctx := context.Background()

	if err := l.Acquire(ctx, 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- l.Acquire(ctx, 1) }()

	time.Sleep(10 * time.Millisecond)
	l.Close()
	l.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("waiter err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}
	if err := l.Acquire(ctx, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}
}

func TestRecordUsage_ChargesOverrun(t *testing.T) {
	t.Parallel()

	m, _ := testMetrics(t)
	l := New(6000, 30, WithMetrics(m))
	ctx := context.Background()

	if err := l.Acquire(ctx, 1000); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.RecordUsage(ctx, 1000, 600)
	if got := l.availableTokens(); got > 5010 || got < 4990 {
		t.Errorf("availableTokens after underrun = %d, want about 5000", got)
	}

	l.RecordUsage(ctx, 1000, 2500)
	if got := l.availableTokens(); got > 3510 || got < 3490 {
		t.Errorf("availableTokens after overrun = %d, want about 3500", got)
	}

	// An overrun beyond the whole budget is capped at one minute of tokens.
	l.RecordUsage(ctx, 0, 100000)
	if got := l.availableTokens(); got < -2600 || got > -2400 {
		t.Errorf("availableTokens after huge overrun = %d, want about -2500", got)
	}
}
