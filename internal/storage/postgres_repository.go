package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bldmahavidyalaya/kitsapi/internal/models"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pgx pool against dsn and ensures the schema
// exists.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close() {
	r.pool.Close()
}

const itemColumns = "id, name, description, price, quantity, created_at, updated_at"

func scanItem(row pgx.Row) (models.Item, error) {
	var item models.Item
	err := row.Scan(&item.ID, &item.Name, &item.Description, &item.Price,
		&item.Quantity, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Item{}, ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("scan item: %w", err)
	}
	return item, nil
}

func (r *postgresRepository) CreateItem(ctx context.Context, params CreateItemParams) (models.Item, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Item{}, fmt.Errorf("item name required")
	}
	if params.Price < 0 {
		return models.Item{}, fmt.Errorf("item price cannot be negative")
	}
	if params.Quantity < 0 {
		return models.Item{}, fmt.Errorf("item quantity cannot be negative")
	}

	now := r.cfg.Clock()
	row := r.pool.QueryRow(ctx,
		`INSERT INTO items (id, name, description, price, quantity, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 RETURNING `+itemColumns,
		uuid.NewString(), name, strings.TrimSpace(params.Description),
		params.Price, params.Quantity, now)
	return scanItem(row)
}

func (r *postgresRepository) GetItem(ctx context.Context, id string) (models.Item, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	return scanItem(row)
}

func (r *postgresRepository) ListItems(ctx context.Context) ([]models.Item, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM items ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]models.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (r *postgresRepository) UpdateItem(ctx context.Context, id string, update ItemUpdate) (models.Item, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return models.Item{}, fmt.Errorf("item name required")
	}
	if update.Price != nil && *update.Price < 0 {
		return models.Item{}, fmt.Errorf("item price cannot be negative")
	}
	if update.Quantity != nil && *update.Quantity < 0 {
		return models.Item{}, fmt.Errorf("item quantity cannot be negative")
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE items SET
			name = COALESCE($2, name),
			description = COALESCE($3, description),
			price = COALESCE($4, price),
			quantity = COALESCE($5, quantity),
			updated_at = $6
		 WHERE id = $1
		 RETURNING `+itemColumns,
		id, trimmedPtr(update.Name), trimmedPtr(update.Description),
		update.Price, update.Quantity, r.cfg.Clock())
	return scanItem(row)
}

func (r *postgresRepository) DeleteItem(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) RecordConversion(ctx context.Context, record models.ConversionRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.cfg.Clock()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversions (id, operation, status, input_name, input_bytes, output_bytes, duration_ms, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.Operation, record.Status, record.InputName,
		record.InputBytes, record.OutputBytes, record.DurationMS,
		record.Detail, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("record conversion: %w", err)
	}
	return nil
}

func (r *postgresRepository) ListConversions(ctx context.Context, limit int) ([]models.ConversionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, operation, status, input_name, input_bytes, output_bytes, duration_ms, detail, created_at
		 FROM conversions ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	records := make([]models.ConversionRecord, 0, limit)
	for rows.Next() {
		var record models.ConversionRecord
		if err := rows.Scan(&record.ID, &record.Operation, &record.Status,
			&record.InputName, &record.InputBytes, &record.OutputBytes,
			&record.DurationMS, &record.Detail, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	return records, nil
}

func trimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	return &trimmed
}
