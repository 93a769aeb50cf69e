package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"webhookd/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle; used by tests and callers that own the pool.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations that have not been recorded yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		var applied bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const endpointCols = `id::text, company_id, name, url, secret, events, headers, max_retries, is_active, created_at, updated_at`

const deliveryCols = `id::text, endpoint_id::text, company_id, event_type, payload, status, attempt, max_retries, status_code, response, duration_ms, next_retry_at, delivered_at, lease_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(r rowScanner) (model.Endpoint, error) {
	var e model.Endpoint
	var events, headers []byte
	if err := r.Scan(&e.ID, &e.CompanyID, &e.Name, &e.URL, &e.Secret, &events, &headers, &e.MaxRetries, &e.IsActive, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Endpoint{}, ErrNotFound
		}
		return model.Endpoint{}, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &e.Events); err != nil {
			return model.Endpoint{}, fmt.Errorf("decode events: %w", err)
		}
	}
	if len(headers) > 0 && string(headers) != "null" {
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return model.Endpoint{}, fmt.Errorf("decode headers: %w", err)
		}
	}
	return e, nil
}

func scanDelivery(r rowScanner) (model.Delivery, error) {
	var d model.Delivery
	var status string
	var code sql.NullInt64
	var resp sql.NullString
	var next, delivered, lease sql.NullTime
	var payload []byte
	if err := r.Scan(&d.ID, &d.EndpointID, &d.CompanyID, &d.EventType, &payload, &status, &d.Attempt, &d.MaxRetries, &code, &resp, &d.Duration, &next, &delivered, &lease, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Delivery{}, ErrNotFound
		}
		return model.Delivery{}, err
	}
	d.Payload = json.RawMessage(payload)
	d.Status = model.DeliveryStatus(status)
	if code.Valid {
		c := int(code.Int64)
		d.StatusCode = &c
	}
	d.Response = resp.String
	d.NextRetryAt = timePtr(next)
	d.DeliveredAt = timePtr(delivered)
	d.LeaseUntil = timePtr(lease)
	return d, nil
}

func (p *Postgres) CreateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	events, headers, err := encodeEndpointJSON(e)
	if err != nil {
		return model.Endpoint{}, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO webhook_endpoints (id, company_id, name, url, secret, events, headers, max_retries, is_active, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10) RETURNING `+endpointCols,
		e.ID, e.CompanyID, e.Name, e.URL, e.Secret, events, headers, e.MaxRetries, e.IsActive, e.CreatedAt)
	return scanEndpoint(row)
}

func (p *Postgres) GetEndpoint(ctx context.Context, companyID, id string) (model.Endpoint, error) {
	if !validID(id) {
		return model.Endpoint{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+endpointCols+` FROM webhook_endpoints WHERE company_id=$1 AND id=$2::uuid`, companyID, id)
	return scanEndpoint(row)
}

func (p *Postgres) GetEndpointByID(ctx context.Context, id string) (model.Endpoint, error) {
	if !validID(id) {
		return model.Endpoint{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+endpointCols+` FROM webhook_endpoints WHERE id=$1::uuid`, id)
	return scanEndpoint(row)
}

func (p *Postgres) ListEndpoints(ctx context.Context, companyID string) ([]model.Endpoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+endpointCols+` FROM webhook_endpoints WHERE company_id=$1 ORDER BY created_at, id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Endpoint{}
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ListActiveEndpoints(ctx context.Context, companyID, eventName string) ([]model.Endpoint, error) {
	filter, _ := json.Marshal([]string{eventName})
	rows, err := p.db.QueryContext(ctx, `SELECT `+endpointCols+` FROM webhook_endpoints WHERE company_id=$1 AND is_active AND events @> $2::jsonb ORDER BY created_at, id`, companyID, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateEndpoint(ctx context.Context, e model.Endpoint) (model.Endpoint, error) {
	if !validID(e.ID) {
		return model.Endpoint{}, ErrNotFound
	}
	events, headers, err := encodeEndpointJSON(e)
	if err != nil {
		return model.Endpoint{}, err
	}
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_endpoints SET name=$3, url=$4, secret=$5, events=$6, headers=$7, max_retries=$8, is_active=$9, updated_at=$10
        WHERE company_id=$1 AND id=$2::uuid RETURNING `+endpointCols,
		e.CompanyID, e.ID, e.Name, e.URL, e.Secret, events, headers, e.MaxRetries, e.IsActive, e.UpdatedAt)
	return scanEndpoint(row)
}

// DeleteEndpoint removes the endpoint's deliveries first, then the endpoint, in one transaction.
func (p *Postgres) DeleteEndpoint(ctx context.Context, companyID, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_endpoints WHERE company_id=$1 AND id=$2::uuid)`, companyID, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE endpoint_id=$1::uuid`, id); err != nil {
		return fmt.Errorf("delete deliveries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE company_id=$1 AND id=$2::uuid`, companyID, id); err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) CreateDelivery(ctx context.Context, d model.Delivery) (model.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `INSERT INTO webhook_deliveries (id, endpoint_id, company_id, event_type, payload, status, attempt, max_retries, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9) RETURNING `+deliveryCols,
		d.ID, d.EndpointID, d.CompanyID, d.EventType, string(d.Payload), string(d.Status), d.Attempt, d.MaxRetries, d.CreatedAt)
	return scanDelivery(row)
}

func (p *Postgres) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	if !validID(id) {
		return model.Delivery{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id=$1::uuid`, id)
	return scanDelivery(row)
}

// ListDeliveries pages newest first. Ids are UUIDv7, so id order is creation order.
func (p *Postgres) ListDeliveries(ctx context.Context, companyID, endpointID, cursor string, limit int) ([]model.Delivery, string, error) {
	if _, err := p.GetEndpoint(ctx, companyID, endpointID); err != nil {
		return nil, "", err
	}
	limit = pageSize(limit)
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE company_id=$1 AND endpoint_id=$2::uuid AND id < $3::uuid ORDER BY id DESC LIMIT $4`, companyID, endpointID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries WHERE company_id=$1 AND endpoint_id=$2::uuid ORDER BY id DESC LIMIT $3`, companyID, endpointID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// ClaimDelivery flips a claimable row to IN_FLIGHT in a single conditional update.
func (p *Postgres) ClaimDelivery(ctx context.Context, id string, now, leaseUntil time.Time) (model.Delivery, bool, error) {
	if !validID(id) {
		return model.Delivery{}, false, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_deliveries SET status='IN_FLIGHT', lease_until=$3, updated_at=$2
        WHERE id=$1::uuid AND (
            status='PENDING'
            OR (status='RETRYING' AND (next_retry_at IS NULL OR next_retry_at <= $2))
            OR (status='IN_FLIGHT' AND lease_until < $2)
        ) RETURNING `+deliveryCols, id, now, leaseUntil)
	d, err := scanDelivery(row)
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Delivery{}, false, err
	}
	cur, err := p.GetDelivery(ctx, id)
	if err != nil {
		return model.Delivery{}, false, err
	}
	return cur, false, nil
}

func (p *Postgres) CompleteDelivery(ctx context.Context, id string, res model.DeliveryResult) (model.Delivery, error) {
	if !validID(id) {
		return model.Delivery{}, ErrLeaseLost
	}
	var code any
	if res.StatusCode != nil {
		code = *res.StatusCode
	}
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_deliveries SET status=$2, attempt=$3, status_code=$4, response=$5, duration_ms=$6, next_retry_at=$7, delivered_at=$8, lease_until=NULL, updated_at=now()
        WHERE id=$1::uuid AND status='IN_FLIGHT' AND attempt <= $3 RETURNING `+deliveryCols,
		id, string(res.Status), res.Attempt, code, nullIfEmpty(res.Response), res.Duration, nullTime(res.NextRetryAt), nullTime(res.DeliveredAt))
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		return model.Delivery{}, ErrLeaseLost
	}
	return d, err
}

// ReleaseDelivery hands an abandoned attempt back without spending it: the row
// becomes claimable again at once with its attempt number unchanged.
func (p *Postgres) ReleaseDelivery(ctx context.Context, id string, attempt int, now time.Time) (model.Delivery, error) {
	if !validID(id) {
		return model.Delivery{}, ErrLeaseLost
	}
	row := p.db.QueryRowContext(ctx, `UPDATE webhook_deliveries
        SET status = CASE WHEN next_retry_at IS NULL THEN 'PENDING' ELSE 'RETRYING' END,
            next_retry_at = CASE WHEN next_retry_at IS NULL THEN NULL ELSE $3::timestamptz END,
            lease_until=NULL, updated_at=$3
        WHERE id=$1::uuid AND status='IN_FLIGHT' AND attempt=$2 RETURNING `+deliveryCols, id, attempt, now)
	d, err := scanDelivery(row)
	if errors.Is(err, ErrNotFound) {
		return model.Delivery{}, ErrLeaseLost
	}
	return d, err
}

func (p *Postgres) ListDueDeliveries(ctx context.Context, q model.DueQuery) ([]model.Delivery, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}
	var pendingBefore any
	if !q.PendingBefore.IsZero() {
		pendingBefore = q.PendingBefore
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryCols+` FROM webhook_deliveries
        WHERE (status='RETRYING' AND next_retry_at <= $1)
           OR (status='IN_FLIGHT' AND lease_until < $1)
           OR ($2::timestamptz IS NOT NULL AND status='PENDING' AND created_at < $2::timestamptz)
        ORDER BY id LIMIT $3`, q.Now, pendingBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Helpers

// validID reports whether id can name a row; the id columns are uuid.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func encodeEndpointJSON(e model.Endpoint) (events, headers any, err error) {
	ev := e.Events
	if ev == nil {
		ev = []string{}
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, err
	}
	events = string(b)
	if e.Headers != nil {
		hb, err := json.Marshal(e.Headers)
		if err != nil {
			return nil, nil, err
		}
		headers = string(hb)
	}
	return events, headers, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
