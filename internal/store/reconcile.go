package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// GapKind names one class of inconsistency Reconcile looks for.
type GapKind string

const (
	GapNegativeBalance   GapKind = "negative_balance"
	GapCompletedUnbacked GapKind = "completed_without_steps"
	GapUnrefunded        GapKind = "failed_without_refund"
	GapStalled           GapKind = "stalled_transfer"
	GapCanonicalMismatch GapKind = "event_canonical_mismatch"
)

type Gap struct {
	Kind   GapKind
	Ref    string
	Detail string
}

func (g Gap) String() string { return fmt.Sprintf("%s %s: %s", g.Kind, g.Ref, g.Detail) }

// Reconcile scans for states the ledger should never leave behind, plus
// transfers that have sat in a non-terminal status for longer than
// staleAfter. A zero staleAfter skips the stall check.
func (s *Store) Reconcile(ctx context.Context, staleAfter time.Duration) ([]Gap, error) {
	var gaps []Gap

	checks := []struct {
		kind GapKind
		sql  string
		args []any
	}{
		{
			kind: GapNegativeBalance,
			sql:  `SELECT id, 'balance ' || balance::text FROM wallets WHERE balance < 0 ORDER BY id`,
		},
		{
			kind: GapCompletedUnbacked,
			sql: `SELECT t.id::text, 'request ' || t.request_id
				FROM transfers t
				WHERE t.status = 'Completed'
				  AND (NOT EXISTS (SELECT 1 FROM operations o
				                    WHERE o.request_id = t.request_id || '-debit'
				                      AND o.wallet_id = t.from_wallet_id AND o.success)
				    OR NOT EXISTS (SELECT 1 FROM operations o
				                    WHERE o.request_id = t.request_id || '-credit'
				                      AND o.wallet_id = t.to_wallet_id AND o.success))
				ORDER BY t.created_at`,
		},
		{
			kind: GapUnrefunded,
			sql: `SELECT t.id::text, 'sender ' || t.from_wallet_id || ' owed ' || t.amount::text
				FROM transfers t
				WHERE t.status = 'Failed'
				  AND EXISTS (SELECT 1 FROM operations o
				               WHERE o.request_id = t.request_id || '-debit'
				                 AND o.wallet_id = t.from_wallet_id AND o.success)
				  AND NOT EXISTS (SELECT 1 FROM operations o
				                   WHERE o.request_id = t.request_id || '-compensate'
				                     AND o.wallet_id = t.from_wallet_id AND o.success)
				ORDER BY t.created_at`,
		},
	}
	if staleAfter > 0 {
		checks = append(checks, struct {
			kind GapKind
			sql  string
			args []any
		}{
			kind: GapStalled,
			sql: `SELECT id::text, status || ' since ' || to_char(updated_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
				FROM transfers
				WHERE status IN ('Initiated','Debited') AND updated_at < now() - make_interval(secs => $1)
				ORDER BY updated_at`,
			args: []any{staleAfter.Seconds()},
		})
	}

	for _, c := range checks {
		rows, err := s.db.Query(ctx, c.sql, c.args...)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", c.kind, err)
		}
		for rows.Next() {
			g := Gap{Kind: c.kind}
			if err := rows.Scan(&g.Ref, &g.Detail); err != nil {
				rows.Close()
				return nil, err
			}
			gaps = append(gaps, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	mismatched, err := s.canonicalMismatches(ctx)
	if err != nil {
		return nil, err
	}
	return append(gaps, mismatched...), nil
}

// canonicalMismatches re-canonicalizes every stored payload and compares it
// with payload_canonical.
func (s *Store) canonicalMismatches(ctx context.Context) ([]Gap, error) {
	rows, err := s.db.Query(ctx, `SELECT id, payload_json::text, payload_canonical FROM events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", GapCanonicalMismatch, err)
	}
	defer rows.Close()

	var gaps []Gap
	for rows.Next() {
		var id, payload, canonical string
		if err := rows.Scan(&id, &payload, &canonical); err != nil {
			return nil, err
		}
		canon, err := jcs.Transform([]byte(payload))
		if err != nil {
			gaps = append(gaps, Gap{Kind: GapCanonicalMismatch, Ref: id, Detail: err.Error()})
			continue
		}
		if !bytes.Equal(canon, []byte(canonical)) {
			gaps = append(gaps, Gap{Kind: GapCanonicalMismatch, Ref: id, Detail: "payload_canonical differs from payload_json"})
		}
	}
	return gaps, rows.Err()
}
