package main

import (
	"context"
	"fmt"
	"io"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/deid/internal/config"
	"github.com/ehr/deid/internal/deid/detect"
	"github.com/ehr/deid/internal/deid/token"
	"github.com/ehr/deid/internal/platform/db"
	"github.com/ehr/deid/internal/platform/hipaa"
	"github.com/ehr/deid/internal/platform/storage"
	"github.com/ehr/deid/internal/platform/telemetry"
)

// resources owns every connection opened for one command and closes them in
// reverse order.
type resources struct {
	cfg     *config.Config
	log     zerolog.Logger
	pool    *pgxpool.Pool
	closers []func()
}

func newResources(cfg *config.Config, logger zerolog.Logger) *resources {
	return &resources{cfg: cfg, log: logger}
}

func (r *resources) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *resources) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// dbPool connects on first use.
func (r *resources) dbPool(ctx context.Context) (*pgxpool.Pool, error) {
	if r.pool != nil {
		return r.pool, nil
	}
	pool, err := db.NewPool(ctx, r.cfg.DatabaseURL, r.cfg.DBMaxConns, r.cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	r.log.Info().Msg("connected to database")
	r.pool = pool
	r.onClose(func() {
		r.log.Debug().Interface("pool", db.GetPoolStats(pool)).Msg("closing database pool")
		pool.Close()
	})
	return pool, nil
}

const defaultRegion = "us-east-1"

// bundleStore routes local paths to the filesystem and s3:// URIs to S3. The AWS
// client is only built when a location needs it.
func (r *resources) bundleStore(ctx context.Context, locations ...string) (storage.Store, error) {
	mux := &storage.Mux{Local: storage.NewFileStore()}

	needS3 := false
	for _, loc := range locations {
		if storage.IsS3(loc) {
			needS3 = true
		}
	}
	if !needS3 {
		return mux, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if r.cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(r.cfg.AWSRegion))
	}
	if r.cfg.S3Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(r.cfg.S3Endpoint))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and LocalStack endpoints need path-style addressing.
		o.UsePathStyle = r.cfg.S3Endpoint != ""
		if o.Region == "" {
			o.Region = defaultRegion
		}
	})
	mux.S3 = storage.NewS3Store(client)
	return mux, nil
}

// tokenStore opens the configured backend. A read-only file store skips the
// writer lock so lookups can run beside a pipeline.
func (r *resources) tokenStore(ctx context.Context, readOnly bool) (token.Store, error) {
	var store token.Store
	switch r.cfg.TokenStoreBackend {
	case "file":
		fileStore, err := token.OpenFileStore(r.cfg.TokenStorePath, token.FileOptions{
			Flush:    token.FlushMode(r.cfg.TokenStoreFlush),
			ReadOnly: readOnly,
			Logger:   r.log,
		})
		if err != nil {
			return nil, err
		}
		store = fileStore
	case "postgres":
		pool, err := r.dbPool(ctx)
		if err != nil {
			return nil, err
		}
		store = token.NewPostgresStore(pool)
	case "redis":
		opts, err := redis.ParseURL(r.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		r.onClose(func() { _ = client.Close() })
		store = token.NewRedisStore(client, r.cfg.TokenKeyPrefix)
	default:
		return nil, fmt.Errorf("unknown token store backend %q", r.cfg.TokenStoreBackend)
	}

	r.onClose(func() {
		if err := store.Close(); err != nil {
			r.log.Error().Err(err).Msg("closing token store")
		}
	})
	r.log.Info().Str("backend", r.cfg.TokenStoreBackend).Bool("read_only", readOnly).Msg("token store ready")
	return store, nil
}

func (r *resources) auditSink(ctx context.Context) (hipaa.AuditSink, error) {
	var sinks hipaa.MultiAuditSink
	if r.cfg.AuditLogPath != "" {
		sinks = append(sinks, hipaa.NewFileAuditLog(r.cfg.AuditLogPath))
	}
	if r.cfg.AuditDB {
		pool, err := r.dbPool(ctx)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hipaa.NewPostgresAuditLog(pool))
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func (r *resources) detector() (detect.Detector, error) {
	base := detect.NewRegexDetector(detect.DefaultRules())
	if r.cfg.Detector == "regex" {
		return base, nil
	}
	g := detect.NewGazetteerDetector(base)
	if r.cfg.NameListPath != "" {
		n, err := g.LoadNameList(r.cfg.NameListPath)
		if err != nil {
			return nil, err
		}
		r.log.Info().Int("names", n).Msg("name list loaded")
	}
	return g, nil
}

func (r *resources) tracing(ctx context.Context, traceOut io.Writer) (*telemetry.Provider, error) {
	prov, err := telemetry.Init(ctx, telemetry.TelemetryConfig{
		ServiceName:    "deid-pipeline",
		ServiceVersion: version,
		Environment:    r.cfg.Env,
		TraceExporter:  r.cfg.TraceExporter,
		Writer:         traceOut,
	})
	if err != nil {
		return nil, err
	}
	r.onClose(func() {
		if err := prov.Shutdown(context.Background()); err != nil {
			r.log.Warn().Err(err).Msg("flush traces")
		}
	})
	return prov, nil
}
