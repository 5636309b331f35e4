package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

type Record struct {
	Node          string
	Context       string
	Payload       []byte
	PayloadSHA256 string
	Inception     int64
	UpdatedAt     time.Time
}

// NormalizePrincipal lowercases a hex principal so approval rows compare
// byte-for-byte regardless of checksum casing.
func NormalizePrincipal(principal string) string {
	return strings.ToLower(strings.TrimSpace(principal))
}

// NormalizeContext stores every context as lowercase hex, the form the
// gateway queries with. Operator input that is not valid hex is taken as the
// raw context bytes and encoded, so a grant posted with raw bytes still
// matches the gateway's hex-encoded approval check.
func NormalizeContext(recordContext string) string {
	s := strings.TrimPrefix(strings.TrimSpace(recordContext), "0x")
	if b, err := hex.DecodeString(s); err == nil {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString([]byte(recordContext))
}

func PayloadSHA256(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Upsert writes a record under last-writer-wins by inception. Returns true
// when the row was created or replaced; false when an equal-or-newer write
// already holds the slot, which is a success for the caller (re-applying a
// committed update is a no-op).
func (s *Store) Upsert(ctx context.Context, r Record) (bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO records(node,context,payload,payload_sha256,inception,updated_at)
VALUES($1,$2,$3,$4,$5,now())
ON CONFLICT (node,context) DO UPDATE
  SET payload=EXCLUDED.payload, payload_sha256=EXCLUDED.payload_sha256,
      inception=EXCLUDED.inception, updated_at=now()
  WHERE records.inception < EXCLUDED.inception
     OR (records.inception = EXCLUDED.inception AND records.payload_sha256 <> EXCLUDED.payload_sha256)
`, r.Node, NormalizeContext(r.Context), r.Payload, PayloadSHA256(r.Payload), r.Inception)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Get(ctx context.Context, node, recordContext string) (Record, error) {
	var out Record
	err := s.DB.QueryRow(ctx, `
SELECT node,context,payload,payload_sha256,inception,updated_at
FROM records
WHERE node=$1 AND context=$2
`, node, NormalizeContext(recordContext)).Scan(&out.Node, &out.Context, &out.Payload, &out.PayloadSHA256, &out.Inception, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return out, nil
}

// IsApproved reports whether principal holds an unrevoked approval for
// (context, node).
func (s *Store) IsApproved(ctx context.Context, recordContext, node, principal string) (bool, error) {
	var approved bool
	err := s.DB.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1 FROM approvals
  WHERE context=$1 AND node=$2 AND principal=$3 AND revoked_at IS NULL
)
`, NormalizeContext(recordContext), node, NormalizePrincipal(principal)).Scan(&approved)
	if err != nil {
		return false, err
	}
	return approved, nil
}

func (s *Store) GrantApproval(ctx context.Context, recordContext, node, principal, grantedBy string) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO approvals(context,node,principal,granted_by,granted_at)
VALUES($1,$2,$3,$4,now())
ON CONFLICT (context,node,principal) DO UPDATE SET revoked_at=NULL, granted_by=$4, granted_at=now()
`, NormalizeContext(recordContext), node, NormalizePrincipal(principal), grantedBy)
	return err
}

func (s *Store) RevokeApproval(ctx context.Context, recordContext, node, principal string) error {
	_, err := s.DB.Exec(ctx, `
UPDATE approvals SET revoked_at=now()
WHERE context=$1 AND node=$2 AND principal=$3 AND revoked_at IS NULL
`, NormalizeContext(recordContext), node, NormalizePrincipal(principal))
	return err
}
