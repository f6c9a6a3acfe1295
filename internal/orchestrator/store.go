package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"parcelnet/internal/agent"
	"parcelnet/internal/config"
	"parcelnet/internal/domain"
	"parcelnet/internal/sink"
	"parcelnet/internal/store/postgres"
	sqlitestore "parcelnet/internal/store/sqlite"
)

// Store is the record store plus the history tables. Both SQL backends
// satisfy it.
type Store interface {
	agent.ParcelStore
	sink.Sink
	ListDeliveryLog(ctx context.Context, parcelID string) ([]domain.DeliveryLogEntry, error)
	CountParcelsByStatus(ctx context.Context) (map[domain.ParcelStatus]int, error)
	Migrate(ctx context.Context) error
	Close() error
}

// OpenStore opens and migrates the configured backend.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case config.DriverPostgres:
		st, err = postgres.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
	case config.DriverSQLite, "":
		path := filepath.Clean(cfg.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		st, err = sqlitestore.Open(path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}
