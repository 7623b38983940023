package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carrelhq/carrel/pkg/models"
)

type resultCall struct {
	webhookID string
	status    int
	success   bool
}

type fakeStore struct {
	mu      sync.Mutex
	hooks   []*models.Webhook
	results []resultCall
}

func (f *fakeStore) WebhooksForEvent(_ context.Context, _, event, _ string) ([]*models.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Webhook
	for _, h := range f.hooks {
		if !h.Disabled && h.SubscribedTo(event) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) GetWebhook(_ context.Context, _, id string) (*models.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hooks {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, models.ErrWebhookNotFound
}

func (f *fakeStore) RecordDeliveryResult(_ context.Context, webhookID string, status int, success bool, disableAfter int, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, resultCall{webhookID, status, success})

	failures := 0
	for _, r := range f.results {
		if r.webhookID != webhookID {
			continue
		}
		if r.success {
			failures = 0
		} else {
			failures++
		}
	}
	return !success && failures >= disableAfter, nil
}

func (f *fakeStore) lastResult() (resultCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return resultCall{}, false
	}
	return f.results[len(f.results)-1], true
}

func testHook(id, url, secret string, events ...string) *models.Webhook {
	h := &models.Webhook{
		ID:          id,
		WorkspaceID: "ws_test",
		URL:         url,
		Secret:      secret,
	}
	if len(events) == 0 {
		events = []string{models.EventAppend}
	}
	if err := h.SetEvents(events); err != nil {
		panic(err)
	}
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AllowPrivate = true // deliveries go to httptest loopback servers
	cfg.RetryBase = time.Millisecond
	cfg.RetryCap = 5 * time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatcherDelivers(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{hooks: []*models.Webhook{testHook("wh_1", srv.URL, "whsec_secret1")}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, testConfig())
	d.Start(context.Background())
	defer d.Stop(time.Second)

	ev, err := NewEvent(models.EventAppendCreated, "ws_test", "docs/notes.md", time.Now(), map[string]any{"seq": 1})
	if err != nil {
		t.Fatal(err)
	}
	d.Publish(context.Background(), ev)

	waitFor(t, "delivery", func() bool { return atomic.LoadInt32(&hits) == 1 })

	if gotHeaders.Get("X-Event-Type") != models.EventAppendCreated {
		t.Errorf("X-Event-Type = %q", gotHeaders.Get("X-Event-Type"))
	}
	if gotHeaders.Get("X-Event-Id") != ev.ID {
		t.Errorf("X-Event-Id = %q, want %q", gotHeaders.Get("X-Event-Id"), ev.ID)
	}
	if gotHeaders.Get("User-Agent") != userAgent {
		t.Errorf("User-Agent = %q", gotHeaders.Get("User-Agent"))
	}
	if !Verify("whsec_secret1", gotHeaders.Get("X-Signature"), gotBody, time.Now().Unix(), 300) {
		t.Error("delivery signature must verify against the body")
	}

	waitFor(t, "journal update", func() bool {
		recs, _ := journal.Recent("wh_1", 1)
		return len(recs) == 1 && recs[0].State == DeliveryDelivered
	})
	if r, ok := store.lastResult(); !ok || !r.success || r.status != 200 {
		t.Errorf("recorded result = %+v", r)
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &fakeStore{hooks: []*models.Webhook{testHook("wh_1", srv.URL, "whsec_s", models.EventFileUpdated)}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, testConfig())
	d.Start(context.Background())
	defer d.Stop(time.Second)

	ev, _ := NewEvent(models.EventFileUpdated, "ws_test", "a.md", time.Now(), nil)
	d.Publish(context.Background(), ev)

	waitFor(t, "delivery after retries", func() bool {
		recs, _ := journal.Recent("wh_1", 1)
		return len(recs) == 1 && recs[0].State == DeliveryDelivered
	})

	recs, _ := journal.Recent("wh_1", 1)
	if recs[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", recs[0].Attempts)
	}
	if recs[0].LastStatus != http.StatusNoContent {
		t.Errorf("last status = %d", recs[0].LastStatus)
	}
}

func TestDispatcherExhaustsAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxAttempts = 3
	store := &fakeStore{hooks: []*models.Webhook{testHook("wh_1", srv.URL, "whsec_s")}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, cfg)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	ev, _ := NewEvent(models.EventTaskCreated, "ws_test", "a.md", time.Now(), nil)
	d.Publish(context.Background(), ev)

	waitFor(t, "exhaustion", func() bool {
		recs, _ := journal.Recent("wh_1", 1)
		return len(recs) == 1 && recs[0].State == DeliveryFailed
	})

	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("endpoint hit %d times, want 3", got)
	}
	if r, ok := store.lastResult(); !ok || r.success || r.status != http.StatusBadGateway {
		t.Errorf("recorded result = %+v", r)
	}
}

func TestDispatcherQueueFullDrops(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	store := &fakeStore{hooks: []*models.Webhook{testHook("wh_1", "http://192.0.2.1/hook", "whsec_s")}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, cfg)
	// Workers never started: the queue fills and stays full.

	for i := 0; i < 3; i++ {
		ev, _ := NewEvent(models.EventAppendCreated, "ws_test", "a.md", time.Now(), nil)
		d.Publish(context.Background(), ev)
	}

	if d.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", d.Dropped())
	}
	recs, _ := journal.Recent("wh_1", 0)
	failed := 0
	for _, r := range recs {
		if r.State == DeliveryFailed && r.LastError == "delivery queue full" {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("journaled drops = %d, want 2", failed)
	}
}

func TestDispatcherFilters(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := testHook("wh_1", srv.URL, "whsec_s")
	if err := hook.SetFilters(&models.WebhookFilters{Types: []string{"task"}}); err != nil {
		t.Fatal(err)
	}
	store := &fakeStore{hooks: []*models.Webhook{hook}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, testConfig())
	d.Start(context.Background())
	defer d.Stop(time.Second)

	note, _ := NewEvent(models.EventAppendCreated, "ws_test", "a.md", time.Now(), nil)
	note.AppendType = "note"
	d.Publish(context.Background(), note)

	task, _ := NewEvent(models.EventTaskCreated, "ws_test", "a.md", time.Now(), nil)
	task.AppendType = "task"
	d.Publish(context.Background(), task)

	waitFor(t, "filtered delivery", func() bool { return atomic.LoadInt32(&hits) == 1 })

	recs, _ := journal.Recent("wh_1", 0)
	if len(recs) != 1 {
		t.Fatalf("journal has %d records, want 1", len(recs))
	}
	if recs[0].Event != models.EventTaskCreated {
		t.Errorf("delivered event = %s", recs[0].Event)
	}
}

func TestDispatcherIncludeURLs(t *testing.T) {
	bodies := make(chan []byte, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- b
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	plain := testHook("wh_plain", srv.URL, "whsec_a", models.EventFileCreated)
	withURLs := testHook("wh_urls", srv.URL, "whsec_b", models.EventFileCreated)
	withURLs.IncludeURLs = true

	store := &fakeStore{hooks: []*models.Webhook{plain, withURLs}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, testConfig())
	d.Start(context.Background())
	defer d.Stop(time.Second)

	ev, _ := NewEvent(models.EventFileCreated, "ws_test", "a.md", time.Now(), nil)
	ev.URLs = map[string]string{"read": "https://carrel.example/r/abc/a.md"}
	d.Publish(context.Background(), ev)

	sawURLs := 0
	for i := 0; i < 2; i++ {
		select {
		case b := <-bodies:
			if bytes.Contains(b, []byte(`"urls"`)) {
				sawURLs++
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	if sawURLs != 1 {
		t.Errorf("deliveries carrying urls = %d, want exactly 1", sawURLs)
	}
}

func TestDispatcherCircuitTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.DisableAfter = 2
	store := &fakeStore{hooks: []*models.Webhook{testHook("wh_1", srv.URL, "whsec_s")}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, cfg)
	d.Start(context.Background())
	defer d.Stop(time.Second)

	for i := 0; i < 2; i++ {
		ev, _ := NewEvent(models.EventAppendCreated, "ws_test", "a.md", time.Now(), nil)
		d.Publish(context.Background(), ev)
	}

	waitFor(t, "two recorded failures", func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.results) == 2
	})
}

func TestDispatcherTestDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := testHook("wh_1", srv.URL, "whsec_s")
	store := &fakeStore{hooks: []*models.Webhook{hook}}
	journal := newTestJournal(t)
	d := NewDispatcher(store, journal, nil, testConfig())

	ev, _ := NewEvent(models.EventAppend, "ws_test", "a.md", time.Now(), map[string]any{"test": true})
	rec, err := d.Test(context.Background(), hook, ev)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if rec.State != DeliveryDelivered || rec.LastStatus != 200 {
		t.Errorf("record = %+v", rec)
	}

	down := testHook("wh_2", "http://192.0.2.1:81/hook", "whsec_s")
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	d2 := NewDispatcher(store, journal, nil, cfg)
	rec, err = d2.Test(context.Background(), down, ev)
	if err != nil {
		t.Fatalf("Test against dead endpoint: %v", err)
	}
	if rec.State != DeliveryFailed || rec.LastError == "" {
		t.Errorf("record = %+v", rec)
	}
}

func TestDispatcherRecover(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := testHook("wh_1", srv.URL, "whsec_s")
	store := &fakeStore{hooks: []*models.Webhook{hook}}
	journal := newTestJournal(t)

	// A pending record left behind by a previous process.
	stale := record("dlv_stale", "wh_1", DeliveryPending, time.Now().Add(-time.Minute))
	stale.URL = srv.URL
	if err := journal.Put(stale); err != nil {
		t.Fatal(err)
	}
	// A pending record whose webhook no longer exists.
	orphan := record("dlv_orphan", "wh_gone", DeliveryPending, time.Now().Add(-time.Minute))
	if err := journal.Put(orphan); err != nil {
		t.Fatal(err)
	}

	d := NewDispatcher(store, journal, nil, testConfig())
	d.Start(context.Background())
	defer d.Stop(time.Second)
	d.Recover(context.Background())

	waitFor(t, "recovered delivery", func() bool { return atomic.LoadInt32(&hits) == 1 })

	waitFor(t, "orphan marked failed", func() bool {
		rec, err := journal.Get("wh_gone", "dlv_orphan")
		return err == nil && rec.State == DeliveryFailed
	})
}
