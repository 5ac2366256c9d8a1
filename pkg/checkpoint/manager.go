package checkpoint

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiondist/fedtune/pkg/errors"
	"github.com/aiondist/fedtune/pkg/fedavg"
)

// Version is a published, immutable aggregation result. Versions for a
// job form a contiguous sequence starting at 1; the stored bytes under
// StorageKey are never rewritten.
type Version struct {
	JobID               string          `json:"job_id"`
	Version             int             `json:"version"`
	StorageKey          string          `json:"storage_key"`
	ContributingWorkers []string        `json:"contributing_workers"`
	TotalExamples       int             `json:"total_examples"`
	MeanLocalLoss       float64         `json:"mean_local_loss"`
	Degraded            map[string]bool `json:"degraded,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// DegradedFor reports whether this version has been marked degraded for
// the given compatibility class (base model identifier).
func (v Version) DegradedFor(class string) bool {
	return v.Degraded[class]
}

type manifest struct {
	Versions []Version `json:"versions"`
}

// Manager versions aggregation results and publishes them to the object
// store. Per-job version allocation is serialized; publish is append-only.
type Manager struct {
	store ObjectStore

	mu sync.Mutex
}

func NewManager(store ObjectStore) *Manager {
	return &Manager{store: store}
}

func objectKey(jobID string, version int) string {
	return fmt.Sprintf("job-%s/version-%d", jobID, version)
}

func manifestKey(jobID string) string {
	return fmt.Sprintf("job-%s/manifest.json", jobID)
}

// Publish allocates the next version number for the job, writes the
// aggregated weights under a versioned key, and records the Version in
// the job manifest. The weight object is committed before the manifest,
// so a crash between the two leaves the version unallocated rather than
// dangling.
func (m *Manager) Publish(ctx context.Context, jobID string, res fedavg.Result) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.loadManifest(ctx, jobID)
	if err != nil {
		return Version{}, err
	}

	next := len(man.Versions) + 1
	key := objectKey(jobID, next)

	payload, err := json.Marshal(res)
	if err != nil {
		return Version{}, stderrors.Join(errors.ErrPublishFailed, err)
	}
	if err := m.store.Put(ctx, key, payload); err != nil {
		return Version{}, stderrors.Join(errors.ErrPublishFailed, err)
	}

	v := Version{
		JobID:               jobID,
		Version:             next,
		StorageKey:          key,
		ContributingWorkers: res.Contributors,
		TotalExamples:       res.TotalExamples,
		MeanLocalLoss:       res.MeanLocalLoss,
		CreatedAt:           time.Now(),
	}
	man.Versions = append(man.Versions, v)

	if err := m.saveManifest(ctx, jobID, man); err != nil {
		return Version{}, stderrors.Join(errors.ErrPublishFailed, err)
	}

	return v, nil
}

// Latest returns the most recently published version for the job.
func (m *Manager) Latest(ctx context.Context, jobID string) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.loadManifest(ctx, jobID)
	if err != nil {
		return Version{}, err
	}
	if len(man.Versions) == 0 {
		return Version{}, errors.ErrNotFound
	}

	return man.Versions[len(man.Versions)-1], nil
}

// List returns every published version for the job in ascending order.
func (m *Manager) List(ctx context.Context, jobID string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.loadManifest(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return man.Versions, nil
}

// Fetch loads the aggregated result stored for one version.
func (m *Manager) Fetch(ctx context.Context, jobID string, version int) (fedavg.Result, error) {
	data, err := m.store.Get(ctx, objectKey(jobID, version))
	if err != nil {
		return fedavg.Result{}, err
	}

	var res fedavg.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return fedavg.Result{}, stderrors.Join(errors.ErrInvalidData, err)
	}

	return res, nil
}

// MarkDegraded flags a version as unloadable for one compatibility class.
// The globally published version is unaffected; only pushes to workers of
// that class stop.
func (m *Manager) MarkDegraded(ctx context.Context, jobID string, version int, class string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.loadManifest(ctx, jobID)
	if err != nil {
		return err
	}

	for i := range man.Versions {
		if man.Versions[i].Version != version {
			continue
		}
		if man.Versions[i].Degraded == nil {
			man.Versions[i].Degraded = make(map[string]bool)
		}
		man.Versions[i].Degraded[class] = true

		return m.saveManifest(ctx, jobID, man)
	}

	return errors.ErrNotFound
}

// Degraded reports whether the given version is degraded for the class.
func (m *Manager) Degraded(ctx context.Context, jobID string, version int, class string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	man, err := m.loadManifest(ctx, jobID)
	if err != nil {
		return false, err
	}

	for _, v := range man.Versions {
		if v.Version == version {
			return v.DegradedFor(class), nil
		}
	}

	return false, errors.ErrNotFound
}

func (m *Manager) loadManifest(ctx context.Context, jobID string) (manifest, error) {
	data, err := m.store.Get(ctx, manifestKey(jobID))
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return manifest{}, nil
		}

		return manifest{}, err
	}

	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return manifest{}, stderrors.Join(errors.ErrInvalidData, err)
	}

	return man, nil
}

func (m *Manager) saveManifest(ctx context.Context, jobID string, man manifest) error {
	data, err := json.Marshal(man)
	if err != nil {
		return err
	}

	return m.store.Put(ctx, manifestKey(jobID), data)
}
