// Package postgres provisions per-deployment databases on a shared
// PostgreSQL cluster.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

// Config holds the provisioner configuration.
type Config struct {
	// AdminURL is the connection string of the cluster admin role, which
	// must hold CREATEDB.
	AdminURL string

	// WorkerEndpoint is the cluster endpoint handed to deployed workers.
	// Defaults to the admin URL's host and port.
	WorkerEndpoint string

	// ConnectTimeout bounds pool establishment.
	ConnectTimeout time.Duration
}

// Provisioner creates and drops databases. It implements
// engine.DatabaseProvisioner. Both directions are idempotent: creating an
// existing database and dropping a missing one succeed.
type Provisioner struct {
	pool     *pgxpool.Pool
	endpoint string
	log      zerolog.Logger
}

// NewProvisioner connects to the cluster and returns a provisioner.
func NewProvisioner(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provisioner, error) {
	if cfg.AdminURL == "" {
		return nil, fmt.Errorf("admin URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.AdminURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin URL: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	endpoint := cfg.WorkerEndpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("%s:%d", poolCfg.ConnConfig.Host, poolCfg.ConnConfig.Port)
	}

	return &Provisioner{
		pool:     pool,
		endpoint: endpoint,
		log:      logger.With().Str("component", "postgres-provisioner").Logger(),
	}, nil
}

// Close releases the connection pool.
func (p *Provisioner) Close() {
	p.pool.Close()
}

// Apply creates the database derived from the spec and deployment identity.
// Re-applying for an existing database returns the same result.
func (p *Provisioner) Apply(ctx context.Context, cfg engine.DomainConfig, spec engine.DatabaseSpec) (*engine.DatabaseResult, error) {
	name := DatabaseName(spec.Name, cfg.Customer, cfg.Environment)

	sql := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{name}.Sanitize())
	_, err := p.pool.Exec(ctx, sql)
	if err != nil && !isDuplicateDatabase(err) {
		return nil, classify(err, fmt.Sprintf("create database %s", name))
	}

	if err != nil {
		p.log.Debug().Str("database", name).Msg("database already exists, reusing")
	} else {
		p.log.Info().Str("database", name).Msg("database created")
	}

	return &engine.DatabaseResult{
		DatabaseID: name,
		Endpoint:   fmt.Sprintf("%s/%s", p.endpoint, name),
	}, nil
}

// Compensate drops the database if it exists. Open connections are
// terminated first so the drop cannot hang behind a straggling worker.
func (p *Provisioner) Compensate(ctx context.Context, databaseID string) error {
	_, err := p.pool.Exec(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()",
		databaseID)
	if err != nil {
		return classify(err, fmt.Sprintf("terminate connections to %s", databaseID))
	}

	sql := fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgx.Identifier{databaseID}.Sanitize())
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return classify(err, fmt.Sprintf("drop database %s", databaseID))
	}

	p.log.Info().Str("database", databaseID).Msg("database dropped")
	return nil
}

// DatabaseName derives the physical database name from the logical name and
// deployment identity. PostgreSQL identifiers are capped at 63 bytes.
func DatabaseName(name, customer, environment string) string {
	raw := fmt.Sprintf("%s_%s_%s", name, customer, environment)
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := b.String()
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func isDuplicateDatabase(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P04"
}

// classify maps PostgreSQL errors onto the engine's error classes.
// Connection and resource exhaustion failures are worth retrying; anything
// the server rejected outright is not.
func classify(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "58":
			return engine.NewTransientError("database provisioning failed: "+op, err)
		default:
			return engine.NewConfigurationError("database provisioning rejected: "+op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError("database provisioning timed out: "+op, err)
	}
	// Dial and DNS failures surface as plain errors from pgx.
	return engine.NewTransientError("database unreachable: "+op, err)
}
