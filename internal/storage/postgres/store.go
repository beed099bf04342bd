// Package postgres implements storage interfaces on PostgreSQL through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sirosfoundation/go-nfe/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS nfe_watermarks (
	scope      TEXT PRIMARY KEY,
	value      CHAR(15) NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nfe_documents (
	scope           TEXT NOT NULL,
	access_key      TEXT NOT NULL,
	nsu             CHAR(15) NOT NULL,
	schema_name     TEXT NOT NULL DEFAULT '',
	supplier_tax_id TEXT NOT NULL DEFAULT '',
	supplier_name   TEXT NOT NULL DEFAULT '',
	issued_at       TIMESTAMPTZ,
	series          INTEGER NOT NULL DEFAULT 0,
	number          INTEGER NOT NULL DEFAULT 0,
	total           NUMERIC(15,2) NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	protocol        TEXT NOT NULL DEFAULT '',
	xml             BYTEA,
	received_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, access_key)
);

CREATE INDEX IF NOT EXISTS nfe_documents_received ON nfe_documents (scope, received_at DESC);

CREATE TABLE IF NOT EXISTS nfe_transmissions (
	access_key   TEXT PRIMARY KEY,
	environment  SMALLINT NOT NULL,
	lot_id       TEXT NOT NULL,
	status       TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	protocol     TEXT NOT NULL,
	receipt      TEXT NOT NULL DEFAULT '',
	digest_value TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ,
	xml          BYTEA,
	created_at   TIMESTAMPTZ NOT NULL
);
`

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New opens the database, checks it is reachable and creates the tables.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WatermarkStore implementation

func (s *Store) GetLastSequence(ctx context.Context, scope string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM nfe_watermarks WHERE scope = $1`, scope).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ZeroWatermark, nil
	}
	if err != nil {
		return "", fmt.Errorf("getting watermark: %w", err)
	}
	return value, nil
}

// SetLastSequence upserts unless the stored value is higher; the conflict
// update is then skipped and no row is affected.
func (s *Store) SetLastSequence(ctx context.Context, scope, value string) error {
	if err := storage.ValidateWatermark(value); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nfe_watermarks (scope, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (scope) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		WHERE nfe_watermarks.value <= EXCLUDED.value
	`, scope, value)
	if err != nil {
		return fmt.Errorf("setting watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrWatermarkRegression
	}
	return nil
}

// DocumentStore implementation

func (s *Store) SaveDocuments(ctx context.Context, scope string, docs []*storage.Document) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now()
	added := 0
	for _, d := range docs {
		received := d.ReceivedAt
		if received.IsZero() {
			received = now
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO nfe_documents (scope, access_key, nsu, schema_name, supplier_tax_id, supplier_name,
				issued_at, series, number, total, status, protocol, xml, received_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (scope, access_key) DO NOTHING
		`, scope, d.AccessKey, d.NSU, d.Schema, d.SupplierTaxID, d.SupplierName,
			nullTime(d.IssuedAt), d.Series, d.Number, d.Total, d.Status, d.Protocol, d.XML, received)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

const documentColumns = `scope, access_key, nsu, schema_name, supplier_tax_id, supplier_name,
	issued_at, series, number, total, status, protocol, xml, received_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*storage.Document, error) {
	var d storage.Document
	var issued sql.NullTime
	err := row.Scan(&d.Scope, &d.AccessKey, &d.NSU, &d.Schema, &d.SupplierTaxID, &d.SupplierName,
		&issued, &d.Series, &d.Number, &d.Total, &d.Status, &d.Protocol, &d.XML, &d.ReceivedAt)
	if err != nil {
		return nil, err
	}
	if issued.Valid {
		d.IssuedAt = issued.Time
	}
	return &d, nil
}

func (s *Store) GetDocument(ctx context.Context, scope, accessKey string) (*storage.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM nfe_documents WHERE scope = $1 AND access_key = $2`, scope, accessKey)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return d, err
}

func (s *Store) ListDocuments(ctx context.Context, scope string, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	where := []string{"scope = $1"}
	args := []any{scope}
	limit := ""
	if filter != nil {
		if filter.Status != "" {
			args = append(args, filter.Status)
			where = append(where, fmt.Sprintf("status = $%d", len(args)))
		}
		if filter.Since != nil {
			args = append(args, *filter.Since)
			where = append(where, fmt.Sprintf("received_at >= $%d", len(args)))
		}
		if filter.Limit > 0 {
			args = append(args, filter.Limit)
			limit = fmt.Sprintf(" LIMIT $%d", len(args))
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM nfe_documents WHERE `+
		strings.Join(where, " AND ")+` ORDER BY received_at DESC, nsu DESC`+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*storage.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// TransmissionStore implementation

func (s *Store) SaveTransmission(ctx context.Context, t *storage.Transmission) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nfe_transmissions (access_key, environment, lot_id, status, reason, protocol, receipt,
			digest_value, processed_at, xml, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (access_key) DO UPDATE SET
			environment = EXCLUDED.environment, lot_id = EXCLUDED.lot_id, status = EXCLUDED.status,
			reason = EXCLUDED.reason, protocol = EXCLUDED.protocol, receipt = EXCLUDED.receipt,
			digest_value = EXCLUDED.digest_value, processed_at = EXCLUDED.processed_at, xml = EXCLUDED.xml
	`, t.AccessKey, t.Environment, t.LotID, t.Status, t.Reason, t.Protocol, t.Receipt,
		t.DigestValue, nullTime(t.ProcessedAt), t.XML, created)
	if err != nil {
		return fmt.Errorf("saving transmission %s: %w", t.AccessKey, err)
	}
	return nil
}

func (s *Store) GetTransmission(ctx context.Context, accessKey string) (*storage.Transmission, error) {
	var t storage.Transmission
	var processed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT access_key, environment, lot_id, status, reason, protocol, receipt, digest_value, processed_at, xml, created_at
		FROM nfe_transmissions WHERE access_key = $1
	`, accessKey).Scan(&t.AccessKey, &t.Environment, &t.LotID, &t.Status, &t.Reason, &t.Protocol, &t.Receipt,
		&t.DigestValue, &processed, &t.XML, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if processed.Valid {
		t.ProcessedAt = processed.Time
	}
	return &t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
