// Package postgres persists the ledger in PostgreSQL.
//
// Transactions run at READ COMMITTED and take a transaction-scoped advisory
// lock as their first statement, so every later statement sees all
// previously committed ledger transactions and no two ledger transactions
// overlap. Staged events are written to ledger_events in the same transaction;
// its bigserial column gives commit order because inserts happen under the lock.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	devicemodels "carbonledger/internal/device/models"
	ledgermodels "carbonledger/internal/ledger/models"
	oraclemodels "carbonledger/internal/oracle/models"
	"carbonledger/internal/store"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/sentinel"
	"carbonledger/pkg/requestcontext"
)

//go:embed schema.sql
var schema string

// ledgerLockKey identifies the ledger's advisory lock.
const ledgerLockKey int64 = 0x636172626f6e

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store implements store.Tx and store.EventLog on a *sql.DB.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

type Option func(*Store)

func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, timeout: store.DefaultTxTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) RunInTx(ctx context.Context, fn func(stores store.Stores) error) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return s.txError(ctx, err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return s.txError(ctx, err, "acquire ledger lock")
	}

	stores := &txStores{q: tx}
	if err := fn(stores); err != nil {
		return err
	}
	if !stores.at.IsZero() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_clock (id, last_at) VALUES (1, $1)
			ON CONFLICT (id) DO UPDATE SET last_at = GREATEST(ledger_clock.last_at, EXCLUDED.last_at)
		`, stores.at); err != nil {
			return s.txError(ctx, err, "advance ledger clock")
		}
	}

	if err := tx.Commit(); err != nil {
		return s.txError(ctx, err, "commit transaction")
	}
	return nil
}

// View runs fn in a read-only REPEATABLE READ transaction.
func (s *Store) View(ctx context.Context, fn func(stores store.Stores) error) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return s.txError(ctx, err, "begin read-only transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()
	return fn(&txStores{q: tx, readOnly: true})
}

// ListAfter returns committed events with seq greater than seq, oldest first.
func (s *Store) ListAfter(ctx context.Context, seq uint64, limit int) ([]events.Event, error) {
	query := `SELECT seq, payload FROM ledger_events WHERE seq > $1 ORDER BY seq`
	args := []any{int64(seq)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			rowSeq  int64
			payload []byte
		)
		if err := rows.Scan(&rowSeq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", rowSeq, err)
		}
		e.Seq = uint64(rowSeq)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Health verifies the database answers.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return ctx, func() {}, dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func (s *Store) txError(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: "+op)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// querier is the subset of *sql.Tx the table stores need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txStores struct {
	q        querier
	readOnly bool
	at       time.Time
}

func (t *txStores) Devices() store.Devices { return deviceStore{t} }
func (t *txStores) Credits() store.Credits { return creditStore{t} }
func (t *txStores) Oracles() store.Oracles { return oracleStore{t} }
func (t *txStores) Outbox() store.Outbox   { return outbox{t} }

func (t *txStores) Now(ctx context.Context) (time.Time, error) {
	if !t.at.IsZero() {
		return t.at, nil
	}
	at := requestcontext.Now(ctx)
	var last time.Time
	err := t.q.QueryRowContext(ctx, `SELECT last_at FROM ledger_clock WHERE id = 1`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("read ledger clock: %w", err)
	}
	if at.Before(last) {
		at = last
	}
	t.at = at
	return at, nil
}

func (t *txStores) writable() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullAddress(a id.Address) sql.NullString {
	return sql.NullString{String: a.String(), Valid: !a.IsNil()}
}

type deviceStore struct{ t *txStores }

func (d deviceStore) Create(ctx context.Context, device *devicemodels.Device) error {
	if err := d.t.writable(); err != nil {
		return err
	}
	_, err := d.t.q.ExecContext(ctx, `
		INSERT INTO devices (device_key, owner, device_type, active, credit_count, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, device.Key.String(), device.Owner.String(), device.Type, device.Active, int64(device.CreditCount), device.RegisteredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func (d deviceStore) FindByKey(ctx context.Context, key id.DeviceKey) (*devicemodels.Device, error) {
	var (
		device      devicemodels.Device
		keyStr      string
		owner       string
		creditCount int64
	)
	err := d.t.q.QueryRowContext(ctx, `
		SELECT device_key, owner, device_type, active, credit_count, registered_at
		FROM devices WHERE device_key = $1
	`, key.String()).Scan(&keyStr, &owner, &device.Type, &device.Active, &creditCount, &device.RegisteredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find device: %w", err)
	}
	device.Key = id.DeviceKey(keyStr)
	device.Owner = id.Address(owner)
	device.CreditCount = uint64(creditCount)
	return &device, nil
}

func (d deviceStore) Update(ctx context.Context, device *devicemodels.Device) error {
	if err := d.t.writable(); err != nil {
		return err
	}
	res, err := d.t.q.ExecContext(ctx, `
		UPDATE devices SET active = $2, credit_count = $3 WHERE device_key = $1
	`, device.Key.String(), device.Active, int64(device.CreditCount))
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

type creditStore struct{ t *txStores }

func (c creditStore) NextID(ctx context.Context) (id.CreditID, error) {
	var next int64
	if err := c.t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(credit_id) + 1, 0) FROM credits`).Scan(&next); err != nil {
		return 0, fmt.Errorf("next credit id: %w", err)
	}
	return id.CreditID(next), nil
}

func (c creditStore) Create(ctx context.Context, credit *ledgermodels.Credit) error {
	if err := c.t.writable(); err != nil {
		return err
	}
	_, err := c.t.q.ExecContext(ctx, `
		INSERT INTO credits (credit_id, producer, co2_kg, created_at, device_key, verified,
			verified_by, verified_at, price, for_sale, owner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, int64(credit.ID), credit.Producer.String(), credit.CO2Kg, credit.CreatedAt, credit.DeviceKey.String(),
		credit.Verified, nullAddress(credit.VerifiedBy), credit.VerifiedAt, credit.Price, credit.ForSale,
		credit.Owner.String())
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert credit: %w", err)
	}
	return nil
}

func (c creditStore) FindByID(ctx context.Context, creditID id.CreditID) (*ledgermodels.Credit, error) {
	var (
		credit     ledgermodels.Credit
		rawID      int64
		producer   string
		deviceKey  string
		verifiedBy sql.NullString
		verifiedAt sql.NullTime
		owner      string
	)
	err := c.t.q.QueryRowContext(ctx, `
		SELECT credit_id, producer, co2_kg, created_at, device_key, verified,
			verified_by, verified_at, price, for_sale, owner
		FROM credits WHERE credit_id = $1
	`, int64(creditID)).Scan(&rawID, &producer, &credit.CO2Kg, &credit.CreatedAt, &deviceKey, &credit.Verified,
		&verifiedBy, &verifiedAt, &credit.Price, &credit.ForSale, &owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find credit: %w", err)
	}
	credit.ID = id.CreditID(rawID)
	credit.Producer = id.Address(producer)
	credit.DeviceKey = id.DeviceKey(deviceKey)
	credit.Owner = id.Address(owner)
	if verifiedBy.Valid {
		credit.VerifiedBy = id.Address(verifiedBy.String)
	}
	if verifiedAt.Valid {
		at := verifiedAt.Time
		credit.VerifiedAt = &at
	}
	return &credit, nil
}

func (c creditStore) Update(ctx context.Context, credit *ledgermodels.Credit) error {
	if err := c.t.writable(); err != nil {
		return err
	}
	res, err := c.t.q.ExecContext(ctx, `
		UPDATE credits SET verified = $2, verified_by = $3, verified_at = $4,
			price = $5, for_sale = $6, owner = $7
		WHERE credit_id = $1
	`, int64(credit.ID), credit.Verified, nullAddress(credit.VerifiedBy), credit.VerifiedAt,
		credit.Price, credit.ForSale, credit.Owner.String())
	if err != nil {
		return fmt.Errorf("update credit: %w", err)
	}
	return requireRow(res)
}

func (c creditStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := c.t.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM credits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credits: %w", err)
	}
	return uint64(n), nil
}

func (c creditStore) ListByOwner(ctx context.Context, owner id.Address) ([]id.CreditID, error) {
	var raw pq.Int64Array
	err := c.t.q.QueryRowContext(ctx, `
		SELECT COALESCE(array_agg(credit_id), '{}') FROM credits WHERE owner = $1
	`, owner.String()).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("list owned credits: %w", err)
	}
	out := make([]id.CreditID, len(raw))
	for i, v := range raw {
		out[i] = id.CreditID(v)
	}
	return out, nil
}

func (c creditStore) ListListed(ctx context.Context) ([]ledgermodels.Listing, error) {
	rows, err := c.t.q.QueryContext(ctx, `
		SELECT credit_id, price FROM credits WHERE for_sale ORDER BY credit_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	out := []ledgermodels.Listing{}
	for rows.Next() {
		var (
			rawID int64
			price int64
		)
		if err := rows.Scan(&rawID, &price); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, ledgermodels.Listing{CreditID: id.CreditID(rawID), Price: price})
	}
	return out, rows.Err()
}

func (c creditStore) ProducedCO2(ctx context.Context, producer id.Address) (int64, error) {
	var total int64
	err := c.t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(co2_kg), 0) FROM credits WHERE producer = $1
	`, producer.String()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum produced co2: %w", err)
	}
	return total, nil
}

type oracleStore struct{ t *txStores }

func (o oracleStore) IsAuthorized(ctx context.Context, identity id.Address) (bool, error) {
	var ok bool
	err := o.t.q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM oracles WHERE identity = $1)
	`, identity.String()).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check oracle: %w", err)
	}
	return ok, nil
}

func (o oracleStore) FindByIdentity(ctx context.Context, identity id.Address) (*oraclemodels.Grant, error) {
	var (
		grant     oraclemodels.Grant
		grantedBy sql.NullString
	)
	err := o.t.q.QueryRowContext(ctx, `
		SELECT granted_by, granted_at FROM oracles WHERE identity = $1
	`, identity.String()).Scan(&grantedBy, &grant.GrantedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find oracle: %w", err)
	}
	grant.Identity = identity
	if grantedBy.Valid {
		grant.GrantedBy = id.Address(grantedBy.String)
	}
	return &grant, nil
}

func (o oracleStore) Grant(ctx context.Context, grant *oraclemodels.Grant) error {
	if err := o.t.writable(); err != nil {
		return err
	}
	_, err := o.t.q.ExecContext(ctx, `
		INSERT INTO oracles (identity, granted_by, granted_at) VALUES ($1, $2, $3)
	`, grant.Identity.String(), nullAddress(grant.GrantedBy), grant.GrantedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("insert oracle: %w", err)
	}
	return nil
}

type outbox struct{ t *txStores }

func (o outbox) Stage(ctx context.Context, event events.Event) error {
	if err := o.t.writable(); err != nil {
		return err
	}
	event = events.WithRequest(ctx, event)
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = o.t.q.ExecContext(ctx, `
		INSERT INTO ledger_events (event_id, kind, payload, created_at) VALUES ($1, $2, $3, $4)
	`, event.ID, string(event.Kind), payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
