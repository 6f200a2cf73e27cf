package license_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacMoment/licensing/internal/license"
	"github.com/MacMoment/licensing/internal/storage/memory"
)

var concurrencyLevels = []int{1, 10, 50, 100}

// benchManager builds an engine over the memory store with n bound licenses
func benchManager(tb testing.TB, n int) (*license.Manager, []string) {
	tb.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	audit := license.NewAuditLogger(store, license.AuditConfig{
		QueueSize: 8192, Workers: 4, MaxRetries: 1, RetryBackoff: time.Millisecond,
	}, logger, nil)

	m, err := license.NewManager(license.Options{Store: store, Audit: audit, Logger: logger})
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = m.Close(context.Background()) })

	ctx := context.Background()
	p, err := m.CreateProduct(ctx, "Bench", "")
	require.NoError(tb, err)

	keys := make([]string, n)
	for i := range keys {
		l, err := m.CreateLicense(ctx, license.LicenseInput{ProductID: p.ID})
		require.NoError(tb, err)
		keys[i] = l.Key
		_, err = m.Validate(ctx, license.ValidationRequest{Key: l.Key, HWID: hwidFor(i)})
		require.NoError(tb, err)
	}
	return m, keys
}

func hwidFor(i int) string { return fmt.Sprintf("HW-%04d", i) }

func BenchmarkValidate(b *testing.B) {
	m, keys := benchManager(b, 64)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			idx := i % len(keys)
			if _, err := m.Validate(ctx, license.ValidationRequest{Key: keys[idx], HWID: hwidFor(idx)}); err != nil {
				b.Fatal(err)
			}
			i++
		}
	})
}

func BenchmarkValidate_SameKey(b *testing.B) {
	m, keys := benchManager(b, 1)
	ctx := context.Background()
	req := license.ValidationRequest{Key: keys[0], HWID: hwidFor(0)}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := m.Validate(ctx, req); err != nil {
				b.Fatal(err)
			}
		}
	})
}

func BenchmarkStats(b *testing.B) {
	m, _ := benchManager(b, 256)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Stats(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func TestValidate_Throughput(t *testing.T) {
	if testing.Short() {
		t.Skip("load test")
	}
	m, keys := benchManager(t, 32)

	for _, workers := range concurrencyLevels {
		t.Run(fmt.Sprintf("workers_%d", workers), func(t *testing.T) {
			const perWorker = 50
			var accepted, failed atomic.Int64
			var wg sync.WaitGroup

			start := time.Now()
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						idx := (w + i) % len(keys)
						v, err := m.Validate(context.Background(), license.ValidationRequest{Key: keys[idx], HWID: hwidFor(idx)})
						if err != nil || !v.Valid {
							failed.Add(1)
							continue
						}
						accepted.Add(1)
					}
				}(w)
			}
			wg.Wait()
			elapsed := time.Since(start)

			assert.Zero(t, failed.Load())
			assert.Equal(t, int64(workers*perWorker), accepted.Load())
			t.Logf("%d validations in %v (%.0f/s)", accepted.Load(), elapsed, float64(accepted.Load())/elapsed.Seconds())
		})
	}
}
