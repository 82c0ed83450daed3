package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewStore(rdb, "pg")
	return store, rdb, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func testSession() *Session {
	now := time.Now()
	return &Session{
		SessionID:   "sid-1",
		UserID:      "u-1",
		Email:       "officer@example.org",
		Role:        "NODE_OFFICER",
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(time.Hour).Unix(),
		RefreshHash: [32]byte{1},
	}
}

func TestSaveGetRoundTrip(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()

	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save session: %v", err)
	}
	got, err := store.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if *got != *sess {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, sess)
	}

	ttl, err := rdb.TTL(ctx, "pg:s:sid-1").Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("expected ttl on session key, got %v, %v", ttl, err)
	}
	ids, err := store.ActiveSessionIDs(ctx, sess.UserID)
	if err != nil || len(ids) != 1 || ids[0] != sess.SessionID {
		t.Fatalf("unexpected index %v, %v", ids, err)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrRefreshSessionNotFound) || !errors.Is(err, redis.Nil) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestGetExpiredDeletes(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	sess.ExpiresAt = time.Now().Add(-time.Second).Unix()

	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := store.Get(ctx, sess.SessionID); !errors.Is(err, ErrRefreshSessionNotFound) {
		t.Fatalf("expected not-found for expired session, got %v", err)
	}
	if n, _ := rdb.Exists(ctx, "pg:s:sid-1").Result(); n != 0 {
		t.Fatal("expired session should be deleted")
	}
}

func TestDeleteIdempotentAndIndex(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()

	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := store.Delete(ctx, sess.SessionID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := store.Delete(ctx, sess.SessionID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	ids, err := store.ActiveSessionIDs(ctx, sess.UserID)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty index, got %v", ids)
	}
}

func TestRotateRefreshHash(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()

	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	next := [32]byte{2}
	rotated, err := store.RotateRefreshHash(ctx, sess.SessionID, sess.RefreshHash, next, "")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.RefreshHash != next || rotated.UserID != sess.UserID || rotated.Role != sess.Role {
		t.Fatalf("unexpected rotated session %+v", rotated)
	}

	// Presenting the old hash again is reuse and revokes the session.
	if _, err := store.RotateRefreshHash(ctx, sess.SessionID, sess.RefreshHash, [32]byte{3}, ""); !errors.Is(err, ErrRefreshHashMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := store.RotateRefreshHash(ctx, sess.SessionID, next, [32]byte{4}, ""); !errors.Is(err, ErrRefreshSessionNotFound) {
		t.Fatalf("expected session gone after reuse, got %v", err)
	}
}

func TestRotateRefreshHashPersistsRole(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	rotated, err := store.RotateRefreshHash(ctx, sess.SessionID, sess.RefreshHash, [32]byte{2}, "USER")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Role != "USER" {
		t.Fatalf("rotated role = %q, want USER", rotated.Role)
	}
	stored, err := store.Get(ctx, sess.SessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Role != "USER" {
		t.Fatalf("stored role = %q, want USER", stored.Role)
	}

	// An empty role leaves the stored one alone.
	again, err := store.RotateRefreshHash(ctx, sess.SessionID, [32]byte{2}, [32]byte{3}, "")
	if err != nil || again.Role != "USER" {
		t.Fatalf("rotate without role = %+v, %v", again, err)
	}
}

func TestRotateRefreshHashSingleWinner(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()
	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(next [32]byte) {
			defer wg.Done()
			<-start
			_, err := store.RotateRefreshHash(ctx, sess.SessionID, sess.RefreshHash, next, "")
			results <- err
		}([32]byte{byte(i + 2)})
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrRefreshHashMismatch), errors.Is(err, ErrRefreshSessionNotFound):
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestRotateExpiredSession(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()
	sess := testSession()

	if err := store.Save(ctx, sess, time.Hour); err != nil {
		t.Fatalf("save: %v", err)
	}
	store.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) })

	if _, err := store.RotateRefreshHash(ctx, sess.SessionID, sess.RefreshHash, [32]byte{9}, ""); !errors.Is(err, ErrRefreshSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestRotateCorruptSession(t *testing.T) {
	store, rdb, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	if err := rdb.HSet(ctx, "pg:s:bad", "uid", "u-1", "exp", "not-a-number").Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.RotateRefreshHash(ctx, "bad", [32]byte{}, [32]byte{1}, ""); !errors.Is(err, ErrRefreshSessionCorrupt) {
		t.Fatalf("expected corrupt, got %v", err)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, _, _, done := newSessionStoreTest(t)
	defer done()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		sess := testSession()
		sess.SessionID = id
		if err := store.Save(ctx, sess, time.Hour); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	other := testSession()
	other.SessionID = "z"
	other.UserID = "u-2"
	if err := store.Save(ctx, other, time.Hour); err != nil {
		t.Fatalf("save other: %v", err)
	}

	n, err := store.DeleteAllForUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
	if _, err := store.Get(ctx, "z"); err != nil {
		t.Fatalf("other user's session must survive: %v", err)
	}
	if n, err := store.DeleteAllForUser(ctx, "u-1"); err != nil || n != 0 {
		t.Fatalf("second delete all = %d, %v", n, err)
	}
}

func TestRedisDownIsWrapped(t *testing.T) {
	store, _, mr, done := newSessionStoreTest(t)
	defer done()
	mr.Close()

	err := store.Save(context.Background(), testSession(), time.Hour)
	if !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected ErrRedisUnavailable, got %v", err)
	}
}
