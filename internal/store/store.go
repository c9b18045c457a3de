package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/ledger"
	"wallet-ledger/internal/projector"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

var (
	_ ledger.Store    = (*Store)(nil)
	_ projector.Store = (*Store)(nil)
	_ ledger.Tx       = (*tx)(nil)
	_ projector.Tx    = (*tx)(nil)
)

// querier is what the pool and a pgx.Tx have in common.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) inTx(ctx context.Context, fn func(t *tx) error) error {
	pgtx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer pgtx.Rollback(ctx)

	if err := fn(&tx{q: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (s *Store) InProjectionTx(ctx context.Context, fn func(ctx context.Context, tx projector.Tx) error) error {
	return s.inTx(ctx, func(t *tx) error { return fn(ctx, t) })
}

func (s *Store) Wallet(ctx context.Context, id string) (domain.Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, selectWallet+` WHERE id=$1`, id), id)
}

func (s *Store) Operation(ctx context.Context, requestID, walletID string) (domain.Operation, error) {
	return getOperation(ctx, s.db, requestID, walletID)
}

func (s *Store) TransferByRequest(ctx context.Context, requestID string) (domain.Transfer, error) {
	return scanTransfer(s.db.QueryRow(ctx, selectTransfer+` WHERE request_id=$1`, requestID), requestID)
}

func (s *Store) History(ctx context.Context, walletID string, before time.Time, limit int) ([]domain.Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before.IsZero() {
		rows, err = s.db.Query(ctx, selectEvent+`
			WHERE wallet_id=$1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, walletID, limit)
	} else {
		rows, err = s.db.Query(ctx, selectEvent+`
			WHERE wallet_id=$1 AND created_at < $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3`, walletID, before, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context, walletID string) (domain.WalletStats, error) {
	return scanStats(s.db.QueryRow(ctx, selectStats+` WHERE wallet_id=$1`, walletID), walletID)
}

type tx struct {
	q querier
}

// LockKey takes a transaction-scoped advisory lock on key.
func (t *tx) LockKey(ctx context.Context, key string) error {
	_, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

func (t *tx) LockWallet(ctx context.Context, id string) (domain.Wallet, error) {
	return scanWallet(t.q.QueryRow(ctx, selectWallet+` WHERE id=$1 FOR UPDATE`, id), id)
}

func (t *tx) EnsureWallet(ctx context.Context, id string) (domain.Wallet, bool, error) {
	tag, err := t.q.Exec(ctx,
		`INSERT INTO wallets(id, balance) VALUES($1, 0)
		 ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return domain.Wallet{}, false, err
	}
	w, err := t.LockWallet(ctx, id)
	return w, tag.RowsAffected() == 1, err
}

func (t *tx) SaveWallet(ctx context.Context, w domain.Wallet) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets SET balance=$2::numeric, updated_at=now() WHERE id=$1`,
		w.ID, domain.FormatAmount(w.Balance))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s: %w", w.ID, domain.ErrNotFound)
	}
	return nil
}

func (t *tx) Operation(ctx context.Context, requestID, walletID string) (domain.Operation, error) {
	return getOperation(ctx, t.q, requestID, walletID)
}

func (t *tx) InsertOperation(ctx context.Context, op domain.Operation) error {
	var snapshot *string
	if len(op.ResponseSnapshot) > 0 {
		s := string(op.ResponseSnapshot)
		snapshot = &s
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO operations(
			id, request_id, wallet_id, kind, request_hash, success, error_code, error_message, response_snapshot
		) VALUES($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9)`,
		uuid.New(), op.RequestID, op.WalletID, string(op.Kind), op.RequestHash,
		op.Success, string(op.ErrorCode), op.ErrorMessage, snapshot,
	)
	return err
}

func (t *tx) TransferByRequest(ctx context.Context, requestID string) (domain.Transfer, error) {
	return scanTransfer(t.q.QueryRow(ctx, selectTransfer+` WHERE request_id=$1`, requestID), requestID)
}

func (t *tx) LockTransfer(ctx context.Context, id string) (domain.Transfer, error) {
	return scanTransfer(t.q.QueryRow(ctx, selectTransfer+` WHERE id=$1::uuid FOR UPDATE`, id), id)
}

func (t *tx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	id := uuid.New()
	err := t.q.QueryRow(ctx,
		`INSERT INTO transfers(id, from_wallet_id, to_wallet_id, amount, status, last_error, request_id)
		 VALUES($1,$2,$3,$4::numeric,$5,NULLIF($6,''),$7)
		 RETURNING created_at, updated_at`,
		id, tr.FromWalletID, tr.ToWalletID, domain.FormatAmount(tr.Amount), string(tr.Status), tr.LastError, tr.RequestID,
	).Scan(&tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return err
	}
	tr.ID = id.String()
	return nil
}

func (t *tx) SaveTransfer(ctx context.Context, tr domain.Transfer) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE transfers SET status=$2, last_error=NULLIF($3,''), updated_at=now() WHERE id=$1::uuid`,
		tr.ID, string(tr.Status), tr.LastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer %s: %w", tr.ID, domain.ErrNotFound)
	}
	return nil
}

// jcsPayload returns both representations the events table stores: the
// payload as regular JSON for jsonb, and its RFC 8785 canonical form.
func jcsPayload(v any) (payloadJSON json.RawMessage, payloadCanonical string, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, "", err
	}
	return raw, string(canon), nil
}

// AppendEvent is the single entry point for events inserts.
func (t *tx) AppendEvent(ctx context.Context, e *domain.Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: event type %q", domain.ErrInvalidRequest, e.Type)
	}
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, payloadCanonical, err := jcsPayload(payload)
	if err != nil {
		return err
	}

	id := ulid.Make().String()
	err = t.q.QueryRow(ctx,
		`INSERT INTO events(id, type, wallet_id, transfer_id, payload_json, payload_canonical)
		 VALUES($1,$2,NULLIF($3,''),NULLIF($4,'')::uuid,$5::jsonb,$6)
		 RETURNING created_at`,
		id, string(e.Type), e.WalletID, e.TransferID, payloadJSON, payloadCanonical,
	).Scan(&e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (t *tx) ProcessedEvent(ctx context.Context, eventID string) (domain.ProcessedEvent, error) {
	var (
		pe     domain.ProcessedEvent
		status string
		msg    *string
	)
	err := t.q.QueryRow(ctx,
		`SELECT event_id, status, error_message, processed_at FROM processed_events WHERE event_id=$1`,
		eventID,
	).Scan(&pe.EventID, &status, &msg, &pe.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessedEvent{}, fmt.Errorf("processed event %s: %w", eventID, domain.ErrNotFound)
		}
		return domain.ProcessedEvent{}, err
	}
	pe.Status = domain.ProcessedStatus(status)
	if msg != nil {
		pe.ErrorMessage = *msg
	}
	return pe, nil
}

func (t *tx) SaveProcessedEvent(ctx context.Context, pe domain.ProcessedEvent) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO processed_events(event_id, status, error_message, processed_at)
		 VALUES($1,$2,NULLIF($3,''),$4)
		 ON CONFLICT (event_id) DO UPDATE
		   SET status=EXCLUDED.status, error_message=EXCLUDED.error_message, processed_at=EXCLUDED.processed_at`,
		pe.EventID, string(pe.Status), pe.ErrorMessage, pe.ProcessedAt,
	)
	return err
}

func (t *tx) Event(ctx context.Context, id string) (domain.Event, error) {
	e, err := scanEvent(t.q.QueryRow(ctx, selectEvent+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("event %s: %w", id, domain.ErrNotFound)
	}
	return e, err
}

func (t *tx) CountEvents(ctx context.Context, walletID string, typ domain.EventType, after, until time.Time) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT count(*) FROM events
		  WHERE wallet_id=$1 AND type=$2 AND created_at > $3 AND created_at <= $4`,
		walletID, string(typ), after, until,
	).Scan(&n)
	return n, err
}

func (t *tx) LockStats(ctx context.Context, walletID string) (domain.WalletStats, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO wallet_stats(wallet_id) VALUES($1) ON CONFLICT (wallet_id) DO NOTHING`,
		walletID,
	); err != nil {
		return domain.WalletStats{}, err
	}
	return scanStats(t.q.QueryRow(ctx, selectStats+` WHERE wallet_id=$1 FOR UPDATE`, walletID), walletID)
}

func (t *tx) SaveStats(ctx context.Context, s domain.WalletStats) error {
	_, err := t.q.Exec(ctx,
		`UPDATE wallet_stats SET
			total_deposited=$2::numeric,
			total_withdrawn=$3::numeric,
			total_transferred_in=$4::numeric,
			total_transferred_out=$5::numeric,
			last_activity_at=$6,
			suspicious=$7,
			suspicious_reason=NULLIF($8,''),
			updated_at=now()
		 WHERE wallet_id=$1`,
		s.WalletID,
		domain.FormatAmount(s.TotalDeposited),
		domain.FormatAmount(s.TotalWithdrawn),
		domain.FormatAmount(s.TotalTransferredIn),
		domain.FormatAmount(s.TotalTransferredOut),
		s.LastActivityAt,
		s.Suspicious,
		s.SuspiciousReason,
	)
	return err
}

const (
	selectWallet = `SELECT id, balance::text, created_at, updated_at FROM wallets`

	selectOperation = `SELECT id::text, request_id, wallet_id, kind, request_hash, success,
		COALESCE(error_code,''), COALESCE(error_message,''), response_snapshot, created_at
		FROM operations`

	selectTransfer = `SELECT id::text, from_wallet_id, to_wallet_id, amount::text, status,
		COALESCE(last_error,''), request_id, created_at, updated_at
		FROM transfers`

	selectEvent = `SELECT id, type, COALESCE(wallet_id,''), COALESCE(transfer_id::text,''),
		payload_json, created_at
		FROM events`

	selectStats = `SELECT wallet_id, total_deposited::text, total_withdrawn::text,
		total_transferred_in::text, total_transferred_out::text,
		last_activity_at, suspicious, COALESCE(suspicious_reason,'')
		FROM wallet_stats`
)

func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, s, err)
	}
	return d, nil
}

func scanWallet(row pgx.Row, id string) (domain.Wallet, error) {
	var (
		w       domain.Wallet
		balance string
	)
	if err := row.Scan(&w.ID, &balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Wallet{}, fmt.Errorf("wallet %s: %w", id, domain.ErrNotFound)
		}
		return domain.Wallet{}, err
	}
	var err error
	w.Balance, err = parseDecimal("balance", balance)
	return w, err
}

func getOperation(ctx context.Context, q querier, requestID, walletID string) (domain.Operation, error) {
	var (
		op       domain.Operation
		kind     string
		code     string
		snapshot *string
	)
	err := q.QueryRow(ctx, selectOperation+` WHERE request_id=$1 AND wallet_id=$2`, requestID, walletID).
		Scan(&op.ID, &op.RequestID, &op.WalletID, &kind, &op.RequestHash, &op.Success,
			&code, &op.ErrorMessage, &snapshot, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Operation{}, fmt.Errorf("operation %s/%s: %w", requestID, walletID, domain.ErrNotFound)
		}
		return domain.Operation{}, err
	}
	op.Kind = domain.OperationKind(kind)
	op.ErrorCode = domain.ErrorCode(code)
	if snapshot != nil {
		op.ResponseSnapshot = json.RawMessage(*snapshot)
	}
	return op, nil
}

func scanTransfer(row pgx.Row, ref string) (domain.Transfer, error) {
	var (
		tr     domain.Transfer
		amount string
		status string
	)
	err := row.Scan(&tr.ID, &tr.FromWalletID, &tr.ToWalletID, &amount, &status,
		&tr.LastError, &tr.RequestID, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transfer{}, fmt.Errorf("transfer %s: %w", ref, domain.ErrNotFound)
		}
		return domain.Transfer{}, err
	}
	tr.Status = domain.TransferStatus(status)
	tr.Amount, err = parseDecimal("amount", amount)
	return tr, err
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		e       domain.Event
		typ     string
		payload []byte
	)
	if err := row.Scan(&e.ID, &typ, &e.WalletID, &e.TransferID, &payload, &e.CreatedAt); err != nil {
		return domain.Event{}, err
	}
	e.Type = domain.EventType(typ)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return domain.Event{}, fmt.Errorf("event %s payload: %w", e.ID, err)
	}
	return e, nil
}

func scanStats(row pgx.Row, walletID string) (domain.WalletStats, error) {
	var (
		s                  domain.WalletStats
		dep, wd, tIn, tOut string
	)
	err := row.Scan(&s.WalletID, &dep, &wd, &tIn, &tOut, &s.LastActivityAt, &s.Suspicious, &s.SuspiciousReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WalletStats{}, fmt.Errorf("stats %s: %w", walletID, domain.ErrNotFound)
		}
		return domain.WalletStats{}, err
	}
	for _, f := range []struct {
		dst    *decimal.Decimal
		column string
		raw    string
	}{
		{&s.TotalDeposited, "total_deposited", dep},
		{&s.TotalWithdrawn, "total_withdrawn", wd},
		{&s.TotalTransferredIn, "total_transferred_in", tIn},
		{&s.TotalTransferredOut, "total_transferred_out", tOut},
	} {
		if *f.dst, err = parseDecimal(f.column, f.raw); err != nil {
			return domain.WalletStats{}, err
		}
	}
	return s, nil
}
