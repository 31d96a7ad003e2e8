package factstore

import (
	"fmt"
)

// NewFactsDB creates a new FactsDB instance based on the configuration.
// - FactStoreTypePostgres: PostgreSQL; UsePgVector selects native vector search
// - FactStoreTypeSQLite: embedded SQLite with in-memory vector search
// If Type is empty, defaults to SQLite.
func NewFactsDB(config *FactStoreConfig) (FactsDB, error) {
	if config == nil {
		return nil, fmt.Errorf("factstore config is required")
	}

	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	switch config.Type {
	case FactStoreTypePostgres, "postgresql":
		pgConfig := DefaultPostgresDBConfig()
		if config.MaxConnections > 0 {
			pgConfig.MaxOpenConns = config.MaxConnections
		}
		return NewPostgresDBWithConfig(config.ConnectionString, config.EmbeddingDimensions, config.UsePgVector, pgConfig)

	case FactStoreTypeSQLite, "":
		return NewSQLiteDB(config.ConnectionString)

	default:
		return nil, fmt.Errorf("unsupported factstore type: %s (supported: postgres, sqlite)", config.Type)
	}
}
