// Package sqlitestore persists recovery kits and shares in SQLite. A partial
// unique index on active kits backs the one-active-kit-per-user rule, and
// every multi-row change runs in a single transaction.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"zkvault/go-backend/internal/recovery"
)

const schema = `
CREATE TABLE IF NOT EXISTS recovery_kits (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	shares_total INTEGER NOT NULL CHECK(shares_total BETWEEN 2 AND 5),
	shares_required INTEGER NOT NULL CHECK(shares_required >= 2 AND shares_required <= shares_total),
	commitment TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	revoked_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_recovery_kits_active
	ON recovery_kits(user_id) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS recovery_shares (
	id TEXT PRIMARY KEY,
	kit_id TEXT NOT NULL REFERENCES recovery_kits(id) ON DELETE CASCADE,
	share_index INTEGER NOT NULL,
	encrypted_share TEXT NOT NULL,
	distribution_status TEXT NOT NULL CHECK(distribution_status IN ('PENDING', 'SENT', 'DELIVERED')),
	holder_public_key BLOB,
	is_used INTEGER NOT NULL DEFAULT 0,
	used_at INTEGER,
	issued_at INTEGER NOT NULL,
	UNIQUE(kit_id, share_index)
);
CREATE INDEX IF NOT EXISTS idx_recovery_shares_unused
	ON recovery_shares(kit_id) WHERE is_used = 0;
`

const (
	kitColumns   = `id, user_id, shares_total, shares_required, commitment, created_at, expires_at, is_active, revoked_at`
	shareColumns = `id, kit_id, share_index, encrypted_share, distribution_status, holder_public_key, is_used, used_at, issued_at`
)

type Store struct {
	db *sql.DB
}

var _ recovery.Store = (*Store)(nil)

// Open opens or creates the database at path. An empty path or ":memory:"
// gives a private in-memory database. A missing parent directory is created
// with owner-only permissions.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKit(row rowScanner) (recovery.Kit, error) {
	var (
		kit       recovery.Kit
		createdAt int64
		expiresAt int64
		active    int
		revokedAt sql.NullInt64
	)
	if err := row.Scan(&kit.ID, &kit.UserID, &kit.SharesTotal, &kit.SharesRequired, &kit.Commitment,
		&createdAt, &expiresAt, &active, &revokedAt); err != nil {
		return recovery.Kit{}, err
	}
	kit.CreatedAt = fromUnixNano(createdAt)
	kit.ExpiresAt = fromUnixNano(expiresAt)
	kit.IsActive = active == 1
	if revokedAt.Valid {
		at := fromUnixNano(revokedAt.Int64)
		kit.RevokedAt = &at
	}
	return kit, nil
}

func scanShare(row rowScanner) (recovery.Share, error) {
	var (
		share    recovery.Share
		status   string
		holder   []byte
		used     int
		usedAt   sql.NullInt64
		issuedAt int64
	)
	if err := row.Scan(&share.ID, &share.KitID, &share.ShareIndex, &share.EncryptedShare, &status,
		&holder, &used, &usedAt, &issuedAt); err != nil {
		return recovery.Share{}, err
	}
	share.DistributionStatus = recovery.DistributionStatus(status)
	if len(holder) > 0 {
		share.HolderPublicKey = holder
	}
	share.IsUsed = used == 1
	if usedAt.Valid {
		at := fromUnixNano(usedAt.Int64)
		share.UsedAt = &at
	}
	share.IssuedAt = fromUnixNano(issuedAt)
	return share, nil
}

func (s *Store) ActiveKit(ctx context.Context, userID string) (recovery.Kit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+kitColumns+` FROM recovery_kits WHERE user_id = ? AND is_active = 1`, userID)
	kit, err := scanKit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recovery.Kit{}, recovery.ErrNoActiveKit
	}
	return kit, err
}

func (s *Store) Kit(ctx context.Context, kitID string) (recovery.Kit, error) {
	return getKit(ctx, s.db, kitID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getKit(ctx context.Context, q querier, kitID string) (recovery.Kit, error) {
	kit, err := scanKit(q.QueryRowContext(ctx, `SELECT `+kitColumns+` FROM recovery_kits WHERE id = ?`, kitID))
	if errors.Is(err, sql.ErrNoRows) {
		return recovery.Kit{}, recovery.ErrKitNotFound
	}
	return kit, err
}

func getShare(ctx context.Context, q querier, shareID string) (recovery.Share, error) {
	share, err := scanShare(q.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM recovery_shares WHERE id = ?`, shareID))
	if errors.Is(err, sql.ErrNoRows) {
		return recovery.Share{}, recovery.ErrShareNotFound
	}
	return share, err
}

func (s *Store) ReplaceActiveKit(ctx context.Context, expectedActiveID string, kit recovery.Kit, shares []recovery.Share) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current := ""
		err := tx.QueryRowContext(ctx, `SELECT id FROM recovery_kits WHERE user_id = ? AND is_active = 1`, kit.UserID).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if current != expectedActiveID {
			return recovery.ErrKitConflict
		}
		if current != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE recovery_kits SET is_active = 0, revoked_at = ? WHERE id = ?`,
				kit.CreatedAt.UnixNano(), current); err != nil {
				return fmt.Errorf("failed to deactivate kit: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_kits (`+kitColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, NULL)
		`, kit.ID, kit.UserID, kit.SharesTotal, kit.SharesRequired, kit.Commitment,
			kit.CreatedAt.UnixNano(), kit.ExpiresAt.UnixNano()); err != nil {
			if isUniqueViolation(err) {
				return recovery.ErrKitConflict
			}
			return fmt.Errorf("failed to insert kit: %w", err)
		}
		for _, share := range shares {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO recovery_shares (`+shareColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, share.ID, kit.ID, share.ShareIndex, share.EncryptedShare, string(share.DistributionStatus),
				nullableBytes(share.HolderPublicKey), boolToInt(share.IsUsed), nullableTime(share.UsedAt),
				share.IssuedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert share: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Shares(ctx context.Context, kitID string) ([]recovery.Share, error) {
	if _, err := getKit(ctx, s.db, kitID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+shareColumns+` FROM recovery_shares WHERE kit_id = ? ORDER BY share_index`, kitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []recovery.Share
	for rows.Next() {
		share, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, share)
	}
	return out, rows.Err()
}

func (s *Store) Share(ctx context.Context, shareID string) (recovery.Share, error) {
	return getShare(ctx, s.db, shareID)
}

func (s *Store) UpdateShare(ctx context.Context, shareID string, fn func(*recovery.Share) error) (recovery.Share, error) {
	var updated recovery.Share
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		share, err := getShare(ctx, tx, shareID)
		if err != nil {
			return err
		}
		if err := fn(&share); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE recovery_shares
			SET distribution_status = ?, holder_public_key = ?, is_used = ?, used_at = ?
			WHERE id = ?
		`, string(share.DistributionStatus), nullableBytes(share.HolderPublicKey),
			boolToInt(share.IsUsed), nullableTime(share.UsedAt), shareID); err != nil {
			return fmt.Errorf("failed to update share: %w", err)
		}
		updated = share
		return nil
	})
	return updated, err
}

func (s *Store) MarkSharesUsed(ctx context.Context, kitID string, shareIDs []string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range shareIDs {
			res, err := tx.ExecContext(ctx,
				`UPDATE recovery_shares SET is_used = 1, used_at = ? WHERE id = ? AND kit_id = ? AND is_used = 0`,
				at.UnixNano(), id, kitID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 1 {
				continue
			}
			share, err := getShare(ctx, tx, id)
			if err != nil || share.KitID != kitID {
				return recovery.ErrShareNotFound
			}
		}
		return nil
	})
}

func (s *Store) RevokeKit(ctx context.Context, kitID string, at time.Time) (recovery.Kit, error) {
	var kit recovery.Kit
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		kit, err = getKit(ctx, tx, kitID)
		if err != nil || !kit.IsActive {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE recovery_kits SET is_active = 0, revoked_at = ? WHERE id = ?`, at.UnixNano(), kitID); err != nil {
			return fmt.Errorf("failed to revoke kit: %w", err)
		}
		kit.IsActive = false
		revokedAt := fromUnixNano(at.UnixNano())
		kit.RevokedAt = &revokedAt
		return nil
	})
	if err != nil {
		return recovery.Kit{}, err
	}
	return kit, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
