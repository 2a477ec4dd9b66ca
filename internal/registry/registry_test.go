package registry

import (
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.ProcessedEmailEntry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return New(store.NewProcessedEmailRepository(db))
}

func TestClaimIsMutuallyExclusive(t *testing.T) {
	r := newTestRegistry(t)

	const n = 20
	var wg sync.WaitGroup
	claims := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := r.Claim("owner@example.com", "inbox", 42, "msg-1", false)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			claims[i] = claimed
		}(i)
	}
	wg.Wait()

	got := 0
	for _, c := range claims {
		if c {
			got++
		}
	}
	if got != 1 {
		t.Fatalf("expected exactly 1 of %d concurrent claims to succeed, got %d", n, got)
	}
}

func TestClaimThenMarkDoneMarksSeen(t *testing.T) {
	r := newTestRegistry(t)
	key := Key("owner@example.com", "inbox", 7)

	claimed, err := r.Claim("owner@example.com", "inbox", 7, "msg-7", false)
	if err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}

	seen, err := r.Seen(key)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatalf("expected not-yet-seen while status is processing")
	}

	if err := r.MarkDone(key); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	seen, err = r.Seen(key)
	if err != nil {
		t.Fatalf("Seen after MarkDone: %v", err)
	}
	if !seen {
		t.Fatalf("expected seen after MarkDone")
	}
}

func TestSeenByMessageIDFindsEntryAcrossDifferentUID(t *testing.T) {
	r := newTestRegistry(t)
	owner := "owner@example.com"

	key := Key(owner, "inbox", 100)
	claimed, err := r.Claim(owner, "inbox", 100, "stable-message-id", false)
	if err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}
	if err := r.MarkDone(key); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	// A rescanned mailbox presents the same message under a new UID after
	// the server renumbered it; SeenByMessageID must still catch it.
	seen, err := r.SeenByMessageID(owner, "stable-message-id")
	if err != nil {
		t.Fatalf("SeenByMessageID: %v", err)
	}
	if !seen {
		t.Fatalf("expected SeenByMessageID to find the entry under its message id")
	}

	if seen, _ := r.SeenByMessageID(owner, "never-seen-id"); seen {
		t.Fatalf("expected unknown message id to report unseen")
	}
}

func TestMarkSkippedAILimitIsEligibleForRetry(t *testing.T) {
	r := newTestRegistry(t)
	key := Key("owner@example.com", "inbox", 9)

	claimed, err := r.Claim("owner@example.com", "inbox", 9, "msg-9", false)
	if err != nil || !claimed {
		t.Fatalf("Claim: claimed=%v err=%v", claimed, err)
	}
	if err := r.MarkSkippedAILimit(key, true); err != nil {
		t.Fatalf("MarkSkippedAILimit: %v", err)
	}

	eligible, err := r.EligibleForAIRetry(key)
	if err != nil {
		t.Fatalf("EligibleForAIRetry: %v", err)
	}
	if !eligible {
		t.Fatalf("expected skipped_ai_limit entry to be eligible for retry")
	}

	seen, err := r.Seen(key)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatalf("skipped_ai_limit must not be treated as terminal")
	}
}
