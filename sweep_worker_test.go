package main

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesim/sweep"
)

func newTestWorker(t *testing.T) (*SweepWorker, *ResultStore) {
	t.Helper()
	presets, err := LoadPresets("")
	require.NoError(t, err)
	store := newTestStore(t)
	return NewSweepWorker(NewSweepQueue(4), store, presets, NewMetrics()), store
}

func tricryptoJob(t *testing.T, names ...string) SweepJob {
	t.Helper()
	combos, err := selectCombos([]string{"USD", "wBTC", "ETH"}, names)
	require.NoError(t, err)
	return NewSweepJob("tricrypto", combos, big.NewInt(0), big.NewInt(100_000), 2)
}

func TestSweepWorkerHandleJob(t *testing.T) {
	ctx := context.Background()
	w, store := newTestWorker(t)
	job := tricryptoJob(t, "USD-wBTC", "BOTH-USD")
	require.NoError(t, store.CreateRun(ctx, job.ID, job.Pool, job.Label()))

	w.handleJob(ctx, job)

	run, err := store.GetRun(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, runDone, run.Status)
	assert.Equal(t, "USD-wBTC:max-iterations,BOTH-USD:max-iterations", run.Reasons)
	assert.Empty(t, run.Error)

	samples, err := store.ListSamples(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	assert.Equal(t, "USD-wBTC", samples[0].Pair)
	assert.Equal(t, "100000", samples[0].TradeSize)
	assert.Equal(t, "BOTH-USD", samples[2].Pair)
	assert.Equal(t, "50000", samples[2].TradeSize)
	assert.Len(t, samples[3].Oracle, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.SweepJobsTotal.WithLabelValues(runDone)))
	assert.Equal(t, 4.0, testutil.ToFloat64(w.metrics.SweepSamplesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(w.metrics.SweepStopsTotal.WithLabelValues(sweep.StopMaxIterations.String())))
}

func TestSweepWorkerUnknownPool(t *testing.T) {
	ctx := context.Background()
	w, store := newTestWorker(t)
	job := tricryptoJob(t, "USD-ETH")
	job.Pool = "gone"
	require.NoError(t, store.CreateRun(ctx, job.ID, job.Pool, job.Label()))

	w.handleJob(ctx, job)

	run, err := store.GetRun(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, runFailed, run.Status)
	assert.Contains(t, run.Error, "gone")
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.SweepJobsTotal.WithLabelValues(runFailed)))
}

func TestSweepWorkerStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w, store := newTestWorker(t)
	job := tricryptoJob(t, "ETH-USD")
	require.NoError(t, store.CreateRun(ctx, job.ID, job.Pool, job.Label()))

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	w.queue.Publish(job)

	require.Eventually(t, func() bool {
		run, err := store.GetRun(context.Background(), job.ID)
		return err == nil && run.Status == runDone
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
