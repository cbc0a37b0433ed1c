package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository хранит документы в таблице documents PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if isRetryable(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Get возвращает значение документа.
func (r *PostgresRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.pool.QueryRow(ctx, `SELECT value FROM documents WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("get document %s: %w", key, err)
	}
	if value == nil {
		return nil, ErrDocumentNotFound
	}
	return value, nil
}

// TransactionalUpdate выполняет чтение-изменение-запись документа в одной транзакции.
// Строка-заготовка с NULL создаётся заранее, чтобы SELECT ... FOR UPDATE
// сериализовал и первую запись отсутствующего документа.
func (r *PostgresRepository) TransactionalUpdate(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	var result []byte
	err := r.withRetry(ctx, func() error {
		var err error
		result, err = r.update(ctx, key, fn)
		return err
	})
	return result, err
}

func (r *PostgresRepository) update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO documents (key, value) VALUES ($1, NULL) ON CONFLICT (key) DO NOTHING`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("insert placeholder: %w", err)
	}

	var current []byte
	err = tx.QueryRow(ctx, `SELECT value FROM documents WHERE key = $1 FOR UPDATE`, key).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("lock document for update: %w", err)
	}

	next, err := fn(current, current != nil)
	if err != nil {
		return nil, err
	}

	if next != nil {
		_, err = tx.Exec(ctx,
			`UPDATE documents SET value = $2, updated_at = now() WHERE key = $1`,
			key, next,
		)
		if err != nil {
			return nil, fmt.Errorf("update document: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	if next == nil {
		return current, nil
	}
	return next, nil
}

// List возвращает документы с ключами, начинающимися с prefix.
func (r *PostgresRepository) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT key, value
		 FROM documents
		 WHERE starts_with(key, $1) AND value IS NOT NULL`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("select documents: %w", err)
	}
	defer rows.Close()

	res := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		res[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Delete удаляет документ.
func (r *PostgresRepository) Delete(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
