package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Store persists sessions. The session row is mutated only through the two
// compare-and-swap operations and the idempotent last-seen update; no other
// component writes session fields directly.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id snowflake.ID) (*Session, error)
	ListByUser(ctx context.Context, userID snowflake.ID) ([]Session, error)
	UpdateLastSeen(ctx context.Context, id snowflake.ID, at time.Time) error

	// CompareAndSwapRotate advances the session from (expectedTokenID,
	// expectedVersion) to (newTokenID, expectedVersion+1), moving the old
	// token id into the grace slot. It commits independent of any ambient
	// transaction and reports whether this caller won the swap.
	CompareAndSwapRotate(ctx context.Context, id snowflake.ID, expectedTokenID string, expectedVersion int64, newTokenID string, at time.Time) (bool, error)

	// CompareAndSwapRevoke marks the session revoked, keyed on its current
	// token pair so exactly one concurrent caller performs the write.
	CompareAndSwapRevoke(ctx context.Context, id snowflake.ID, expectedTokenID string, expectedVersion int64, reason string, at time.Time) (bool, error)
}
