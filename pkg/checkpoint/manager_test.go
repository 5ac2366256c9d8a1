package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiondist/fedtune/pkg/errors"
	"github.com/aiondist/fedtune/pkg/fedavg"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	return NewManager(store)
}

func testResult(workers ...string) fedavg.Result {
	return fedavg.Result{
		Weights:       map[string][]float64{"lora_A": {1.0, 2.0}},
		TotalExamples: 10 * len(workers),
		Contributors:  workers,
		MeanLocalLoss: 0.42,
	}
}

func TestPublishAllocatesContiguousVersions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	for i := 1; i <= 3; i++ {
		v, err := m.Publish(ctx, "job-1", testResult("w1"))
		require.NoError(t, err)
		assert.Equal(t, i, v.Version)
		assert.Equal(t, "job-1", v.JobID)
		assert.NotEmpty(t, v.StorageKey)
	}

	versions, err := m.List(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
	}
}

func TestPublishIsolatesJobs(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	v1, err := m.Publish(ctx, "job-a", testResult("w1"))
	require.NoError(t, err)
	v2, err := m.Publish(ctx, "job-b", testResult("w2"))
	require.NoError(t, err)

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 1, v2.Version)
}

func TestLatestAndFetch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Latest(ctx, "job-1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	res := testResult("w1", "w2")
	published, err := m.Publish(ctx, "job-1", res)
	require.NoError(t, err)

	latest, err := m.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, published.Version, latest.Version)
	assert.Equal(t, res.Contributors, latest.ContributingWorkers)

	fetched, err := m.Fetch(ctx, "job-1", published.Version)
	require.NoError(t, err)
	assert.Equal(t, res.Weights, fetched.Weights)
	assert.Equal(t, res.TotalExamples, fetched.TotalExamples)
}

func TestMarkDegradedPerClass(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	v, err := m.Publish(ctx, "job-1", testResult("w1"))
	require.NoError(t, err)

	require.NoError(t, m.MarkDegraded(ctx, "job-1", v.Version, "llama-3-8b"))

	degraded, err := m.Degraded(ctx, "job-1", v.Version, "llama-3-8b")
	require.NoError(t, err)
	assert.True(t, degraded)

	// Other classes keep loading the version.
	degraded, err = m.Degraded(ctx, "job-1", v.Version, "mistral-7b")
	require.NoError(t, err)
	assert.False(t, degraded)

	// The version stays published.
	latest, err := m.Latest(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, v.Version, latest.Version)

	assert.ErrorIs(t, m.MarkDegraded(ctx, "job-1", 42, "llama-3-8b"), errors.ErrNotFound)
}

func TestFSStoreAtomicPut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "job-1/version-1", []byte("payload")))

	// No temp file left behind after commit.
	entries, err := os.ReadDir(filepath.Join(dir, "job-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "version-1", entries[0].Name())

	data, err := store.Get(ctx, "job-1/version-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestFSStoreRejectsBadKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, store.Put(ctx, "", []byte("x")), errors.ErrEmptyKey)
	assert.ErrorIs(t, store.Put(ctx, "../escape", []byte("x")), errors.ErrInvalidData)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
