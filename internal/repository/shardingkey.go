package repository

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
)

const debtorIDMask = 1<<63 - 1

// randomDebtorID draws a cryptographically random value in (0, 2^63).
func randomDebtorID(r io.Reader) (int64, error) {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, fmt.Errorf("read random bytes: %w", err)
		}
		id := int64(binary.BigEndian.Uint64(buf[:]) & debtorIDMask)
		if id != 0 {
			return id, nil
		}
	}
}

// generateDebtorID persists a fresh, globally unique sharding key and
// returns it. Each attempt inserts inside its own savepoint, so a collision
// rolls back only that attempt and never the caller's enclosing work. Fails
// with ErrKeyspaceExhausted after the configured number of tries.
func (s *Store) generateDebtorID(ctx context.Context, tx pgx.Tx) (int64, error) {
	for i := 0; i < s.keyTries; i++ {
		id, err := randomDebtorID(s.randReader)
		if err != nil {
			return 0, err
		}
		claimed, err := s.claimShardingKey(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if claimed {
			return id, nil
		}
	}
	return 0, ErrKeyspaceExhausted
}

// claimShardingKey reports false when the key is already taken.
func (s *Store) claimShardingKey(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	nested, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin savepoint: %w", err)
	}
	if _, err := nested.Exec(ctx, `INSERT INTO sharding_key (debtor_id) VALUES ($1)`, id); err != nil {
		_ = nested.Rollback(ctx)
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nested.Commit(ctx)
}
