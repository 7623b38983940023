package webhook

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournalInMemory()
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func record(id, webhookID, state string, createdAt time.Time) *DeliveryRecord {
	return &DeliveryRecord{
		ID:          id,
		WebhookID:   webhookID,
		WorkspaceID: "ws_test",
		EventID:     "evt_" + id,
		Event:       "append.created",
		URL:         "https://hooks.example.com/x",
		State:       state,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
		Payload:     json.RawMessage(`{"ok":true}`),
	}
}

func TestJournalPutGet(t *testing.T) {
	j := newTestJournal(t)

	rec := record("dlv_1", "wh_a", DeliveryPending, time.Now())
	if err := j.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := j.Get("wh_a", "dlv_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.EventID != rec.EventID || got.State != DeliveryPending {
		t.Errorf("got %+v", got)
	}

	if _, err := j.Get("wh_a", "dlv_missing"); err == nil {
		t.Error("missing record must error")
	}
}

func TestJournalRecentOrdering(t *testing.T) {
	j := newTestJournal(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"dlv_old", "dlv_mid", "dlv_new"} {
		if err := j.Put(record(id, "wh_a", DeliveryDelivered, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	// A record for another webhook must not leak into the listing.
	if err := j.Put(record("dlv_other", "wh_b", DeliveryDelivered, base)); err != nil {
		t.Fatal(err)
	}

	recs, err := j.Recent("wh_a", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID != "dlv_new" || recs[1].ID != "dlv_mid" {
		t.Errorf("order = %s, %s", recs[0].ID, recs[1].ID)
	}
}

func TestJournalPending(t *testing.T) {
	j := newTestJournal(t)

	now := time.Now()
	j.Put(record("dlv_p1", "wh_a", DeliveryPending, now))
	j.Put(record("dlv_d1", "wh_a", DeliveryDelivered, now))
	j.Put(record("dlv_p2", "wh_b", DeliveryPending, now))
	j.Put(record("dlv_f1", "wh_b", DeliveryFailed, now))

	pending, err := j.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	for _, rec := range pending {
		if rec.State != DeliveryPending {
			t.Errorf("non-pending record %s in pending set", rec.ID)
		}
	}
}

func TestJournalDropWebhook(t *testing.T) {
	j := newTestJournal(t)

	now := time.Now()
	j.Put(record("dlv_1", "wh_gone", DeliveryDelivered, now))
	j.Put(record("dlv_2", "wh_gone", DeliveryFailed, now))
	j.Put(record("dlv_3", "wh_kept", DeliveryDelivered, now))

	if err := j.DropWebhook("wh_gone"); err != nil {
		t.Fatalf("DropWebhook: %v", err)
	}

	recs, err := j.Recent("wh_gone", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("dropped webhook still has %d records", len(recs))
	}

	kept, err := j.Recent("wh_kept", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 1 {
		t.Errorf("unrelated webhook lost records: %d", len(kept))
	}
}
