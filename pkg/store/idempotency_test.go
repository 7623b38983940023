package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carrelhq/carrel/pkg/models"
)

func TestIdempotencyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_idem")

	rec := &models.IdempotencyRecord{
		WorkspaceID:   "ws_idem",
		Route:         "POST /a/files/doc.md",
		Key:           "idem-1",
		RequestDigest: "digest-1",
		StatusCode:    201,
		ResponseBody:  `{"ok":true}`,
		ExpiresAt:     now.Add(24 * time.Hour),
	}
	if err := s.PutIdempotencyRecord(ctx, rec); err != nil {
		t.Fatalf("PutIdempotencyRecord: %v", err)
	}

	got, err := s.GetIdempotencyRecord(ctx, "ws_idem", "POST /a/files/doc.md", "idem-1", now)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord: %v", err)
	}
	if got.StatusCode != 201 || got.ResponseBody != `{"ok":true}` {
		t.Errorf("snapshot = %d %q", got.StatusCode, got.ResponseBody)
	}
	if got.RequestDigest != "digest-1" {
		t.Errorf("RequestDigest = %q", got.RequestDigest)
	}

	if _, err := s.GetIdempotencyRecord(ctx, "ws_idem", "POST /a/files/doc.md", "idem-2", now); !errors.Is(err, models.ErrIdempotencyNotFound) {
		t.Errorf("other key = %v, want ErrIdempotencyNotFound", err)
	}
	if _, err := s.GetIdempotencyRecord(ctx, "ws_idem", "POST /a/files/other.md", "idem-1", now); !errors.Is(err, models.ErrIdempotencyNotFound) {
		t.Errorf("other route = %v, want ErrIdempotencyNotFound", err)
	}

	// Past the TTL the record reads as gone even before the reaper runs.
	if _, err := s.GetIdempotencyRecord(ctx, "ws_idem", "POST /a/files/doc.md", "idem-1", now.Add(25*time.Hour)); !errors.Is(err, models.ErrIdempotencyNotFound) {
		t.Errorf("expired record = %v, want ErrIdempotencyNotFound", err)
	}
}

func TestIdempotencyFirstCompletionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_race")

	first := &models.IdempotencyRecord{
		WorkspaceID: "ws_race", Route: "POST /a/files/doc.md", Key: "idem-x",
		RequestDigest: "digest", StatusCode: 201, ResponseBody: "first",
		ExpiresAt: now.Add(time.Hour),
	}
	if err := s.PutIdempotencyRecord(ctx, first); err != nil {
		t.Fatalf("first put: %v", err)
	}

	// The losing writer's put is swallowed; the stored snapshot stays.
	second := &models.IdempotencyRecord{
		WorkspaceID: "ws_race", Route: "POST /a/files/doc.md", Key: "idem-x",
		RequestDigest: "digest", StatusCode: 201, ResponseBody: "second",
		ExpiresAt: now.Add(time.Hour),
	}
	if err := s.PutIdempotencyRecord(ctx, second); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := s.GetIdempotencyRecord(ctx, "ws_race", "POST /a/files/doc.md", "idem-x", now)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord: %v", err)
	}
	if got.ResponseBody != "first" {
		t.Errorf("ResponseBody = %q, want first", got.ResponseBody)
	}
}

func TestIdempotencyConcurrentFirstRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_first")

	// Two writers finish the same first request at once. Neither may fail;
	// the unique index quietly drops the loser's snapshot.
	start := make(chan struct{})
	errs := make(chan error, 2)
	for _, body := range []string{"winner", "loser"} {
		go func(body string) {
			<-start
			errs <- s.PutIdempotencyRecord(ctx, &models.IdempotencyRecord{
				WorkspaceID: "ws_first", Route: "POST /a/files/doc.md", Key: "idem-c",
				RequestDigest: "digest", StatusCode: 201, ResponseBody: body,
				ExpiresAt: now.Add(time.Hour),
			})
		}(body)
	}
	close(start)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent put: %v", err)
		}
	}

	got, err := s.GetIdempotencyRecord(ctx, "ws_first", "POST /a/files/doc.md", "idem-c", now)
	if err != nil {
		t.Fatalf("GetIdempotencyRecord: %v", err)
	}
	if got.ResponseBody != "winner" && got.ResponseBody != "loser" {
		t.Errorf("ResponseBody = %q, want one of the racing snapshots", got.ResponseBody)
	}
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	seedWorkspace(t, s, "ws_purge")

	stale := &models.IdempotencyRecord{
		WorkspaceID: "ws_purge", Route: "POST /a/ops/append", Key: "idem-stale",
		RequestDigest: "d", StatusCode: 200, ResponseBody: "old",
		ExpiresAt: now.Add(-time.Minute),
	}
	fresh := &models.IdempotencyRecord{
		WorkspaceID: "ws_purge", Route: "POST /a/ops/append", Key: "idem-fresh",
		RequestDigest: "d", StatusCode: 200, ResponseBody: "new",
		ExpiresAt: now.Add(time.Hour),
	}
	if err := s.PutIdempotencyRecord(ctx, stale); err != nil {
		t.Fatalf("put stale: %v", err)
	}
	if err := s.PutIdempotencyRecord(ctx, fresh); err != nil {
		t.Fatalf("put fresh: %v", err)
	}

	purged, err := s.PurgeExpiredIdempotency(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredIdempotency: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	if _, err := s.GetIdempotencyRecord(ctx, "ws_purge", "POST /a/ops/append", "idem-fresh", now); err != nil {
		t.Errorf("fresh record lost: %v", err)
	}
}
