package storage

import "fmt"

type Config struct {
	Type string `env:"COORDINATOR_STORAGE_TYPE" envDefault:"memory"`

	BadgerPath string `env:"COORDINATOR_BADGER_PATH" envDefault:"./data/badger"`
}

// New returns a pair of storages (workers, jobs) for the configured
// backend. Badger keeps separate sub-directories so iteration over one
// entity kind never pages through the other.
func New(cfg Config) (workers, jobs Storage, err error) {
	switch cfg.Type {
	case "memory", "":
		return NewInMemoryStorage(), NewInMemoryStorage(), nil
	case "badger":
		workers, err = NewBadgerStorage(cfg.BadgerPath + "/workers")
		if err != nil {
			return nil, nil, err
		}
		jobs, err = NewBadgerStorage(cfg.BadgerPath + "/jobs")
		if err != nil {
			return nil, nil, err
		}

		return workers, jobs, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
