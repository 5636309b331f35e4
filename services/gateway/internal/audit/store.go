// Package audit persists a log of applied updates keyed by the replay tuple.
// The log is what reconciliation reads after a crash: the backend write is
// idempotent, so replaying audited updates is safe.
package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("audit entry not found")

type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

type Entry struct {
	EntryID       string
	Sender        string
	PayloadSHA256 string
	Inception     int64
	Node          string
	Context       []byte
	CommitStatus  string
	CommitRef     string
	AppliedAt     time.Time
}

// Insert records an applied update. A re-run of the same tuple is a no-op;
// the original entry id is returned either way.
func (s *Store) Insert(ctx context.Context, e Entry) (string, error) {
	var entryID string
	err := s.DB.QueryRow(ctx, `
INSERT INTO applied_updates(sender,payload_sha256,inception,node,context,commit_status,commit_ref,applied_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (sender,payload_sha256,inception) DO NOTHING
RETURNING entry_id::text
`, e.Sender, e.PayloadSHA256, e.Inception, e.Node, e.Context, e.CommitStatus, e.CommitRef, e.AppliedAt.UTC()).Scan(&entryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.lookupID(ctx, e.Sender, e.PayloadSHA256, e.Inception)
		}
		return "", err
	}
	return entryID, nil
}

func (s *Store) lookupID(ctx context.Context, sender, payloadSHA string, inception int64) (string, error) {
	var entryID string
	err := s.DB.QueryRow(ctx, `
SELECT entry_id::text FROM applied_updates
WHERE sender=$1 AND payload_sha256=$2 AND inception=$3
`, sender, payloadSHA, inception).Scan(&entryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return entryID, nil
}

// Get fetches an entry by its replay tuple.
func (s *Store) Get(ctx context.Context, sender string, payloadHash [32]byte, inception int64) (Entry, error) {
	var out Entry
	err := s.DB.QueryRow(ctx, `
SELECT entry_id::text,sender,payload_sha256,inception,node,context,commit_status,commit_ref,applied_at
FROM applied_updates
WHERE sender=$1 AND payload_sha256=$2 AND inception=$3
`, sender, hex.EncodeToString(payloadHash[:]), inception).
		Scan(&out.EntryID, &out.Sender, &out.PayloadSHA256, &out.Inception, &out.Node, &out.Context, &out.CommitStatus, &out.CommitRef, &out.AppliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	return out, nil
}

// ListSince returns entries applied at or after the cutoff, oldest first,
// for reconciliation sweeps.
func (s *Store) ListSince(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	rows, err := s.DB.Query(ctx, `
SELECT entry_id::text,sender,payload_sha256,inception,node,context,commit_status,commit_ref,applied_at
FROM applied_updates
WHERE applied_at >= $1
ORDER BY applied_at ASC
LIMIT $2
`, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Sender, &e.PayloadSHA256, &e.Inception, &e.Node, &e.Context, &e.CommitStatus, &e.CommitRef, &e.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
