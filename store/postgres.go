package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/overmindtech/n8n-provisioner/errkind"
	"github.com/overmindtech/n8n-provisioner/tracing"
	"github.com/overmindtech/otelpgx"
	log "github.com/sirupsen/logrus"
)

// Postgres writes records straight into a Postgres table
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgres connects to dsn. key is used as the password when dsn does not
// carry one.
func NewPostgres(ctx context.Context, dsn, key, table string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errkind.New(errkind.Config, "parse database URL", err)
	}
	if cfg.ConnConfig.Password == "" {
		cfg.ConnConfig.Password = key
	}
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errkind.New(errkind.Persistence, "connect to database", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errkind.New(errkind.Persistence, "connect to database", err)
	}

	log.WithContext(ctx).WithFields(log.Fields{
		"host":  cfg.ConnConfig.Host,
		"db":    cfg.ConnConfig.Database,
		"table": table,
	}).Debug("Connected to postgres")

	return &Postgres{
		pool:  pool,
		table: pgx.Identifier{table}.Sanitize(),
	}, nil
}

// Upsert locks any existing row for the user, then updates it or inserts a
// new one, in a single transaction
func (p *Postgres) Upsert(ctx context.Context, r Record) (int64, error) {
	const op = "upsert credential"
	ctx, span := tracing.Tracer().Start(ctx, "store.Postgres.Upsert")
	defer span.End()

	var affected int64
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var existing string
		err := tx.QueryRow(ctx,
			fmt.Sprintf("SELECT user_id FROM %s WHERE user_id = $1 FOR UPDATE", p.table),
			r.UserID,
		).Scan(&existing)

		cols := columns(r)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			query, args := insertSQL(p.table, cols)
			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return err
			}
			affected = tag.RowsAffected()
		case err != nil:
			return err
		default:
			delete(cols, "user_id")
			query, args := updateSQL(p.table, cols, r.UserID)
			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return err
			}
			affected = tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		err = errkind.New(errkind.Persistence, op, err)
		tracing.RecordError(ctx, err)
		return 0, err
	}
	if affected == 0 {
		return 0, noRows(op)
	}
	return affected, nil
}

// RecordFailure sets the error columns on the user's row, creating a bare row
// if there is none
func (p *Postgres) RecordFailure(ctx context.Context, userID, message string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET error_message = $1, error_at = $2, updated_at = $2 WHERE user_id = $3", p.table),
		message, at.UTC(), userID,
	)
	if err != nil {
		return errkind.New(errkind.Persistence, "record failure", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = p.pool.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (user_id, error_message, error_at, updated_at) VALUES ($1, $2, $3, $3)", p.table),
		userID, message, at.UTC(),
	)
	if err != nil {
		return errkind.New(errkind.Persistence, "record failure", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// sortedKeys keeps generated SQL stable
func sortedKeys(cols map[string]any) []string {
	keys := make([]string, 0, len(cols))
	for k := range cols {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func insertSQL(table string, cols map[string]any) (string, []any) {
	keys := sortedKeys(cols)
	names := make([]string, len(keys))
	params := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		names[i] = pgx.Identifier{k}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = cols[k]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(params, ", ")), args
}

func updateSQL(table string, cols map[string]any, userID string) (string, []any) {
	keys := sortedKeys(cols)
	sets := make([]string, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{k}.Sanitize(), i+1)
		args = append(args, cols[k])
	}
	args = append(args, userID)
	return fmt.Sprintf("UPDATE %s SET %s WHERE user_id = $%d", table, strings.Join(sets, ", "), len(args)), args
}
