package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/places/pkg/blob"
	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/repository/document"
	"github.com/nimburion/places/pkg/repository/memory"
	"github.com/nimburion/places/pkg/repository/relational"
	"github.com/nimburion/places/pkg/store/mongodb"
	"github.com/nimburion/places/pkg/store/postgres"
	"github.com/nimburion/places/pkg/store/s3"
)

// Entity describes how one entity is laid out on every supported backend.
type Entity struct {
	Table      relational.Table
	Collection document.Collection
	Memory     memory.Options
}

// Backend is an open record database that builds one crud.Store per entity.
type Backend struct {
	kind     string
	postgres *postgres.Adapter
	mongo    *mongodb.Adapter
	catalog  *memory.Catalog
}

// OpenBackend connects to the database selected by cfg.Type.
func OpenBackend(cfg config.DatabaseConfig, log logger.Logger) (*Backend, error) {
	switch kind := strings.ToLower(strings.TrimSpace(cfg.Type)); kind {
	case config.DatabaseTypePostgres:
		adapter, err := postgres.NewAdapter(postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			QueryTimeout:    cfg.QueryTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return &Backend{kind: kind, postgres: adapter}, nil
	case config.DatabaseTypeMongoDB:
		adapter, err := mongodb.NewAdapter(mongodb.Config{
			URL:              cfg.URL,
			Database:         cfg.DatabaseName,
			ConnectTimeout:   cfg.ConnectTimeout,
			OperationTimeout: cfg.QueryTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return &Backend{kind: kind, mongo: adapter}, nil
	case config.DatabaseTypeMemory:
		log.Warn("using in-memory record store; data is lost on restart")
		return &Backend{kind: kind, catalog: memory.NewCatalog()}, nil
	default:
		return nil, fmt.Errorf("unsupported database.type %q (supported: postgres, mongodb, memory)", cfg.Type)
	}
}

// Kind returns the configured database type.
func (b *Backend) Kind() string { return b.kind }

// Postgres returns the relational adapter, or nil on other backends.
func (b *Backend) Postgres() *postgres.Adapter { return b.postgres }

// Mongo returns the document adapter, or nil on other backends.
func (b *Backend) Mongo() *mongodb.Adapter { return b.mongo }

// Store builds the crud.Store for e on this backend.
func (b *Backend) Store(e Entity) (crud.Store, error) {
	switch b.kind {
	case config.DatabaseTypePostgres:
		return relational.NewStore(b.postgres, e.Table)
	case config.DatabaseTypeMongoDB:
		return document.NewStore(b.mongo, e.Collection)
	default:
		if b.catalog == nil {
			b.catalog = memory.NewCatalog()
		}
		return b.catalog.Store(e.Memory), nil
	}
}

// HealthCheck checks the underlying connection.
func (b *Backend) HealthCheck(ctx context.Context) error {
	switch {
	case b.postgres != nil:
		return b.postgres.HealthCheck(ctx)
	case b.mongo != nil:
		return b.mongo.HealthCheck(ctx)
	}
	return nil
}

// Close releases the underlying connection.
func (b *Backend) Close() error {
	switch {
	case b.postgres != nil:
		return b.postgres.Close()
	case b.mongo != nil:
		return b.mongo.Close()
	}
	return nil
}

// NewBlobStore selects the object storage backend from config.
func NewBlobStore(cfg config.ObjectStorageConfig, log logger.Logger) (blob.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.ObjectStorageS3:
		return s3.NewAdapter(s3.Config{
			Bucket:           cfg.S3.Bucket,
			Region:           cfg.S3.Region,
			Endpoint:         cfg.S3.Endpoint,
			AccessKeyID:      cfg.S3.AccessKeyID,
			SecretAccessKey:  cfg.S3.SecretAccessKey,
			SessionToken:     cfg.S3.SessionToken,
			UsePathStyle:     cfg.S3.UsePathStyle,
			OperationTimeout: cfg.S3.OperationTimeout,
			PresignExpiry:    cfg.S3.PresignExpiry,
		}, log)
	case config.ObjectStorageMemory, "":
		return blob.NewMemory(cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported object_storage.type %q (supported: s3, memory)", cfg.Type)
	}
}
