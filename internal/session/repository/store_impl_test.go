package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keylinehq/keyline/internal/session/domain"
	"github.com/keylinehq/keyline/pkg/db"
)

func newTestStore(t *testing.T) (domain.Store, *snowflake.Node) {
	t.Helper()

	dbConn, err := db.NewTest()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := dbConn.AutoMigrate(&domain.Session{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return New(dbConn), node
}

func seedSession(t *testing.T, store domain.Store, node *snowflake.Node) *domain.Session {
	t.Helper()

	now := time.Now().UTC()
	session := &domain.Session{
		ID:                  node.Generate(),
		TenantID:            node.Generate(),
		UserID:              node.Generate(),
		RefreshTokenID:      "rt-1",
		RefreshTokenVersion: 1,
		CreatedAt:           now,
		LastSeenAt:          now,
	}
	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func TestGetMissingSession(t *testing.T) {
	store, node := newTestStore(t)

	_, err := store.Get(context.Background(), node.Generate())
	if err != domain.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCompareAndSwapRotate(t *testing.T) {
	store, node := newTestStore(t)
	session := seedSession(t, store, node)
	ctx := context.Background()

	won, err := store.CompareAndSwapRotate(ctx, session.ID, "rt-1", 1, "rt-2", time.Now().UTC())
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if !won {
		t.Fatal("expected rotation to win")
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.RefreshTokenID != "rt-2" {
		t.Fatalf("expected refresh token rt-2, got %s", got.RefreshTokenID)
	}
	if got.RefreshTokenVersion != 2 {
		t.Fatalf("expected version 2, got %d", got.RefreshTokenVersion)
	}
	if got.PreviousRefreshTokenID == nil || *got.PreviousRefreshTokenID != "rt-1" {
		t.Fatalf("expected previous token rt-1, got %v", got.PreviousRefreshTokenID)
	}
}

func TestCompareAndSwapRotateStalePair(t *testing.T) {
	store, node := newTestStore(t)
	session := seedSession(t, store, node)
	ctx := context.Background()

	if _, err := store.CompareAndSwapRotate(ctx, session.ID, "rt-1", 1, "rt-2", time.Now().UTC()); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	// The old pair must never rotate twice.
	won, err := store.CompareAndSwapRotate(ctx, session.ID, "rt-1", 1, "rt-3", time.Now().UTC())
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if won {
		t.Fatal("expected stale rotation to lose")
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if got.RefreshTokenID != "rt-2" || got.RefreshTokenVersion != 2 {
		t.Fatalf("expected (rt-2, 2), got (%s, %d)", got.RefreshTokenID, got.RefreshTokenVersion)
	}
}

func TestCompareAndSwapRevokeSingleWinner(t *testing.T) {
	store, node := newTestStore(t)
	session := seedSession(t, store, node)
	ctx := context.Background()

	won, err := store.CompareAndSwapRevoke(ctx, session.ID, "rt-1", 1, domain.ReasonReplayAttackDetected, time.Now().UTC())
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if !won {
		t.Fatal("expected revoke to win")
	}

	won, err = store.CompareAndSwapRevoke(ctx, session.ID, "rt-1", 1, domain.ReasonRevoked, time.Now().UTC())
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if won {
		t.Fatal("expected second revoke to lose")
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if !got.IsRevoked {
		t.Fatal("expected session revoked")
	}
	if got.RevokedReason != domain.ReasonReplayAttackDetected {
		t.Fatalf("expected reason %s, got %s", domain.ReasonReplayAttackDetected, got.RevokedReason)
	}
	if got.RevokedAt == nil {
		t.Fatal("expected revoked_at set")
	}
}

func TestRevokedSessionCannotRotate(t *testing.T) {
	store, node := newTestStore(t)
	session := seedSession(t, store, node)
	ctx := context.Background()

	if _, err := store.CompareAndSwapRevoke(ctx, session.ID, "rt-1", 1, domain.ReasonRevoked, time.Now().UTC()); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	won, err := store.CompareAndSwapRotate(ctx, session.ID, "rt-1", 1, "rt-2", time.Now().UTC())
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if won {
		t.Fatal("expected rotation on revoked session to lose")
	}
}
