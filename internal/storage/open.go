package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenBeamlineCore/internal/config"
)

var (
	_ Store = (*PostgresClient)(nil)
	_ Store = (*BoltStore)(nil)
)

// Open returns the Store selected by cfg.Storage.Driver.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		pg, err := NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case config.StorageDriverBolt:
		return OpenBoltStore(cfg.Storage.BoltPath)
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
