package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/carrelhq/carrel/pkg/api/handlers"
	"github.com/carrelhq/carrel/pkg/api/session"
	"github.com/carrelhq/carrel/pkg/capability"
	"github.com/carrelhq/carrel/pkg/ratelimit"
	"github.com/carrelhq/carrel/pkg/store"
	"github.com/carrelhq/carrel/pkg/webhook"
)

// testEnv runs the full router over a throwaway SQLite store. File-backed
// rather than :memory: because the connection pool would hand each pooled
// connection its own empty in-memory database.
type testEnv struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(deps *RouterDeps)) *testEnv {
	t.Helper()
	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "carrel.db")},
	})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	deps := RouterDeps{
		Store:     st,
		Resolver:  capability.NewResolver(st),
		Limits:    handlers.DefaultLimits(),
		PublicURL: "http://carrel.test",
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)
	return &testEnv{t: t, srv: srv}
}

// wireEnvelope mirrors the response envelope for assertions.
type wireEnvelope struct {
	OK         bool            `json:"ok"`
	Data       json.RawMessage `json:"data"`
	Error      *wireError      `json:"error"`
	ServerTime string          `json:"serverTime"`
}

type wireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func (e *testEnv) request(method, path string, body any, header map[string]string) *http.Response {
	e.t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		e.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// do runs one enveloped request and decodes the answer.
func (e *testEnv) do(method, path string, body any, header map[string]string) (*http.Response, wireEnvelope) {
	e.t.Helper()
	resp := e.request(method, path, body, header)
	defer resp.Body.Close()
	var out wireEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		e.t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return resp, out
}

// raw runs one request expecting a non-enveloped body.
func (e *testEnv) raw(method, path string, header map[string]string) (*http.Response, []byte) {
	e.t.Helper()
	resp := e.request(method, path, nil, header)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("%s %s: read body: %v", method, path, err)
	}
	return resp, body
}

func decodeData(t *testing.T, out wireEnvelope, v any) {
	t.Helper()
	if !out.OK {
		t.Fatalf("envelope not ok: %+v", out.Error)
	}
	if err := json.Unmarshal(out.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func wantError(t *testing.T, resp *http.Response, out wireEnvelope, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d (error %+v)", resp.StatusCode, status, out.Error)
	}
	if out.OK {
		t.Fatal("error envelope has ok=true")
	}
	if out.Error == nil || out.Error.Code != code {
		t.Fatalf("error = %+v, want code %s", out.Error, code)
	}
}

// mintedKey is the wire shape of one key in a mint or bootstrap answer.
type mintedKey struct {
	ID         string            `json:"id"`
	Permission string            `json:"permission"`
	ScopeType  string            `json:"scopeType"`
	ScopePath  string            `json:"scopePath"`
	Primary    bool              `json:"primary"`
	Key        string            `json:"key"`
	URLs       map[string]string `json:"urls"`
}

// bootKeys is a bootstrapped workspace with its primary key triple.
type bootKeys struct {
	workspaceID string
	read        string
	appendKey   string
	write       string
	ids         map[string]string
	urls        map[string]string
}

func (e *testEnv) bootstrap(name string) bootKeys {
	e.t.Helper()
	resp, out := e.do(http.MethodPost, "/bootstrap", map[string]any{"name": name}, nil)
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("bootstrap status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var data struct {
		Workspace struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"workspace"`
		URLs map[string]string `json:"urls"`
		Keys []mintedKey       `json:"keys"`
	}
	decodeData(e.t, out, &data)

	b := bootKeys{
		workspaceID: data.Workspace.ID,
		ids:         make(map[string]string, len(data.Keys)),
		urls:        data.URLs,
	}
	for _, k := range data.Keys {
		b.ids[k.Permission] = k.ID
		switch k.Permission {
		case "read":
			b.read = k.Key
		case "append":
			b.appendKey = k.Key
		case "write":
			b.write = k.Key
		}
	}
	if b.read == "" || b.appendKey == "" || b.write == "" {
		e.t.Fatalf("bootstrap did not mint a full triple: %+v", data.Keys)
	}
	return b
}

func TestBootstrapMintsKeyTriple(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, out := e.do(http.MethodPost, "/bootstrap", map[string]any{"name": "demo"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var data struct {
		Workspace struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"workspace"`
		URLs map[string]string `json:"urls"`
		Keys []mintedKey       `json:"keys"`
	}
	decodeData(t, out, &data)

	if data.Workspace.ID == "" {
		t.Error("workspace id is empty")
	}
	if data.Workspace.Name != "demo" {
		t.Errorf("workspace name = %q, want demo", data.Workspace.Name)
	}
	if len(data.Keys) != 3 {
		t.Fatalf("minted %d keys, want 3", len(data.Keys))
	}
	for _, plane := range []string{"read", "append", "write"} {
		if data.URLs[plane] == "" {
			t.Errorf("urls missing %s plane", plane)
		}
	}
	if !strings.HasPrefix(data.URLs["read"], "http://carrel.test/r/") {
		t.Errorf("read url = %q, want /r/ prefix", data.URLs["read"])
	}
	if got := resp.Header.Get("Location"); got != data.URLs["write"] {
		t.Errorf("Location = %q, want %q", got, data.URLs["write"])
	}
	for _, k := range data.Keys {
		if k.Key == "" {
			t.Errorf("%s key has no plaintext", k.Permission)
		}
		if !k.Primary {
			t.Errorf("%s key not marked primary", k.Permission)
		}
		if k.ScopeType != "workspace" {
			t.Errorf("%s key scope = %q, want workspace", k.Permission, k.ScopeType)
		}
	}

	if _, err := time.Parse("2006-01-02T15:04:05.000Z", out.ServerTime); err != nil {
		t.Errorf("serverTime %q not in envelope layout: %v", out.ServerTime, err)
	}
}

func TestWorkspacesAreNotEnumerable(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("hidden")

	// Even a real workspace ID answers 404.
	resp, out := e.do(http.MethodGet, "/api/workspaces/"+b.workspaceID, nil, nil)
	wantError(t, resp, out, http.StatusNotFound, "NOT_FOUND")
}

// fileData is the wire shape of a written or read file.
type fileData struct {
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	ETag      string `json:"etag"`
	SizeBytes int64  `json:"sizeBytes"`
	Created   bool   `json:"created"`
}

func TestPutAndReadFile(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("docs")

	resp, out := e.do(http.MethodPut, "/w/"+b.write+"/notes/plan.md",
		map[string]any{"content": "# Plan\n\nhello world"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var created fileData
	decodeData(t, out, &created)
	if !created.Created {
		t.Error("created = false on first write")
	}
	if created.ETag == "" {
		t.Error("etag is empty")
	}
	if resp.Header.Get("ETag") != created.ETag {
		t.Errorf("ETag header = %q, body %q", resp.Header.Get("ETag"), created.ETag)
	}

	// Replacing is a 200 with a fresh etag.
	resp, out = e.do(http.MethodPut, "/w/"+b.write+"/notes/plan.md",
		map[string]any{"content": "# Plan v2"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace status = %d", resp.StatusCode)
	}
	var replaced fileData
	decodeData(t, out, &replaced)
	if replaced.Created {
		t.Error("created = true on replace")
	}
	if replaced.ETag == created.ETag {
		t.Error("etag did not change on replace")
	}

	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/notes/plan.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
	var got fileData
	decodeData(t, out, &got)
	if got.Content != "# Plan v2" {
		t.Errorf("content = %q", got.Content)
	}
	if got.Filename != "plan.md" {
		t.Errorf("filename = %q, want plan.md", got.Filename)
	}

	rawResp, body := e.raw(http.MethodGet, "/r/"+b.read+"/notes/plan.md?format=raw", nil)
	if rawResp.StatusCode != http.StatusOK {
		t.Fatalf("raw status = %d", rawResp.StatusCode)
	}
	if ct := rawResp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("raw content type = %q", ct)
	}
	if string(body) != "# Plan v2" {
		t.Errorf("raw body = %q", body)
	}

	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/notes/missing.md", nil, nil)
	wantError(t, resp, out, http.StatusNotFound, "FILE_NOT_FOUND")
}

func TestPlaneRefusalsRenderAs404(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("planes")

	// Unknown keys are indistinguishable from missing resources.
	resp, out := e.do(http.MethodGet, "/r/cu_doesnotexist/notes.md", nil, nil)
	wantError(t, resp, out, http.StatusNotFound, "INVALID_KEY")

	// An append key cannot enter the write plane.
	resp, out = e.do(http.MethodPut, "/w/"+b.appendKey+"/notes.md",
		map[string]any{"content": "x"}, nil)
	wantError(t, resp, out, http.StatusNotFound, "PERMISSION_DENIED")

	// The read plane routes no PUT at all.
	resp, out = e.do(http.MethodPut, "/r/"+b.read+"/notes.md",
		map[string]any{"content": "x"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if out.OK {
		t.Error("refusal envelope has ok=true")
	}
}

// appendData is the wire shape of one accepted append.
type appendData struct {
	AppendID  string `json:"appendId"`
	Path      string `json:"path"`
	Seq       int64  `json:"seq"`
	Type      string `json:"type"`
	Author    string `json:"author"`
	CreatedAt string `json:"createdAt"`
	Task      *struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"task"`
}

func TestAppendSingleAndBatch(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("appends")

	resp, out := e.do(http.MethodPost, "/a/"+b.appendKey+"/log.md",
		map[string]any{"text": "hi", "createIfMissing": true}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("single append status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var single appendData
	decodeData(t, out, &single)
	if single.AppendID != "a1" || single.Seq != 1 {
		t.Errorf("first append id/seq = %s/%d, want a1/1", single.AppendID, single.Seq)
	}
	if single.Type != "comment" {
		t.Errorf("default type = %q, want comment", single.Type)
	}
	if single.Author != "anonymous" {
		t.Errorf("default author = %q, want anonymous", single.Author)
	}

	resp, out = e.do(http.MethodPost, "/a/"+b.appendKey+"/log.md",
		map[string]any{"appends": []map[string]any{
			{"text": "first batch entry"},
			{"type": "task", "text": "review the draft", "author": "alice"},
		}}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("batch status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var batch []appendData
	decodeData(t, out, &batch)
	if len(batch) != 2 {
		t.Fatalf("batch returned %d results, want 2", len(batch))
	}
	if batch[0].Seq != 2 || batch[1].Seq != 3 {
		t.Errorf("batch seqs = %d,%d, want 2,3", batch[0].Seq, batch[1].Seq)
	}
	if batch[1].Task == nil || batch[1].Task.State != "open" {
		t.Errorf("task echo = %+v, want open", batch[1].Task)
	}

	// Without createIfMissing the target must exist.
	resp, out = e.do(http.MethodPost, "/a/"+b.appendKey+"/absent.md",
		map[string]any{"text": "hi"}, nil)
	wantError(t, resp, out, http.StatusNotFound, "FILE_NOT_FOUND")
}

func TestTaskLifecycleOverAppendPlane(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("tasks")

	_, out := e.do(http.MethodPost, "/a/"+b.appendKey+"/work.md",
		map[string]any{"type": "task", "text": "ship it", "author": "alice", "createIfMissing": true}, nil)
	var task appendData
	decodeData(t, out, &task)
	if task.Task == nil || task.Task.State != "open" {
		t.Fatalf("task state = %+v, want open", task.Task)
	}

	_, out = e.do(http.MethodPost, "/a/"+b.appendKey+"/work.md",
		map[string]any{"type": "claim", "ref": task.AppendID, "author": "bob"}, nil)
	var claim appendData
	decodeData(t, out, &claim)
	if claim.Task == nil || claim.Task.State != "claimed" {
		t.Fatalf("state after claim = %+v, want claimed", claim.Task)
	}

	_, out = e.do(http.MethodPost, "/a/"+b.appendKey+"/work.md",
		map[string]any{"type": "response", "ref": task.AppendID, "author": "bob", "text": "done"}, nil)
	var done appendData
	decodeData(t, out, &done)
	if done.Task == nil || done.Task.State != "done" {
		t.Fatalf("state after response = %+v, want done", done.Task)
	}

	// The append is readable by its wire ID.
	resp, out := e.do(http.MethodGet,
		"/r/"+b.read+"/ops/file/append/"+task.AppendID+"?path=work.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GetAppend status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var got struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	decodeData(t, out, &got)
	if got.ID != task.AppendID || got.Type != "task" {
		t.Errorf("append = %+v", got)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("idem")

	body := map[string]any{"content": "once"}
	hdr := map[string]string{"Idempotency-Key": "put-once"}

	resp, first := e.do(http.MethodPut, "/w/"+b.write+"/idem.md", body, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Idempotency-Replayed") != "" {
		t.Error("first response marked as replay")
	}

	resp, second := e.do(http.MethodPut, "/w/"+b.write+"/idem.md", body, hdr)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay status = %d, want the recorded 201", resp.StatusCode)
	}
	if resp.Header.Get("Idempotency-Replayed") != "true" {
		t.Error("replay missing Idempotency-Replayed header")
	}
	var a, bb fileData
	decodeData(t, first, &a)
	decodeData(t, second, &bb)
	if a.ETag != bb.ETag || !bb.Created {
		t.Errorf("replayed body differs: %+v vs %+v", a, bb)
	}

	// Same key, different payload: refused.
	resp, out := e.do(http.MethodPut, "/w/"+b.write+"/idem.md",
		map[string]any{"content": "twice"}, hdr)
	wantError(t, resp, out, http.StatusConflict, "CONFLICT")
	if out.Error.Details["reason"] != "idempotency-digest-mismatch" {
		t.Errorf("details = %v", out.Error.Details)
	}
}

func TestETagPreconditions(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("etags")

	_, out := e.do(http.MethodPut, "/w/"+b.write+"/doc.md",
		map[string]any{"content": "v1"}, nil)
	var v1 fileData
	decodeData(t, out, &v1)

	// Matching If-Match replaces.
	resp, out := e.do(http.MethodPut, "/w/"+b.write+"/doc.md",
		map[string]any{"content": "v2"},
		map[string]string{"If-Match": `"` + v1.ETag + `"`})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("conditional replace status = %d, error %+v", resp.StatusCode, out.Error)
	}

	// A stale etag is a 412.
	resp, out = e.do(http.MethodPut, "/w/"+b.write+"/doc.md",
		map[string]any{"content": "v3"},
		map[string]string{"If-Match": `"` + v1.ETag + `"`})
	wantError(t, resp, out, http.StatusPreconditionFailed, "CONFLICT")

	// If-None-Match: * refuses to replace an existing file.
	resp, out = e.do(http.MethodPut, "/w/"+b.write+"/doc.md",
		map[string]any{"content": "v3"},
		map[string]string{"If-None-Match": "*"})
	wantError(t, resp, out, http.StatusConflict, "FILE_EXISTS")
}

func TestPayloadTooLarge(t *testing.T) {
	e := newTestEnv(t, func(deps *RouterDeps) {
		deps.Limits.MaxFileBytes = 16
	})
	b := e.bootstrap("limits")

	resp, out := e.do(http.MethodPut, "/w/"+b.write+"/big.md",
		map[string]any{"content": strings.Repeat("x", 64)}, nil)
	wantError(t, resp, out, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")
	if got := resp.Header.Get("X-Content-Size-Limit"); got != "16" {
		t.Errorf("X-Content-Size-Limit = %q, want 16", got)
	}
}

func TestSoftDeleteAndRecover(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("trash")

	_, out := e.do(http.MethodPut, "/w/"+b.write+"/notes/tmp.md",
		map[string]any{"content": "scratch"}, nil)
	var file fileData
	decodeData(t, out, &file)

	resp, out := e.do(http.MethodDelete, "/w/"+b.write+"/notes/tmp.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var del struct {
		Path            string     `json:"path"`
		AlreadyDeleted  bool       `json:"alreadyDeleted"`
		DeletedAt       *time.Time `json:"deletedAt"`
		DeleteExpiresAt *time.Time `json:"deleteExpiresAt"`
	}
	decodeData(t, out, &del)
	if del.DeletedAt == nil || del.DeleteExpiresAt == nil {
		t.Fatalf("delete timestamps missing: %+v", del)
	}
	if del.AlreadyDeleted {
		t.Error("first delete reported alreadyDeleted")
	}

	// Deleting again is an idempotent acknowledgement.
	_, out = e.do(http.MethodDelete, "/w/"+b.write+"/notes/tmp.md", nil, nil)
	decodeData(t, out, &del)
	if !del.AlreadyDeleted {
		t.Error("second delete did not report alreadyDeleted")
	}

	// Reads answer 410 with the recovery deadline.
	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/notes/tmp.md", nil, nil)
	wantError(t, resp, out, http.StatusGone, "FILE_DELETED")
	if _, ok := out.Error.Details["deleteExpiresAt"]; !ok {
		t.Error("FILE_DELETED missing deleteExpiresAt detail")
	}

	resp, out = e.do(http.MethodPost, "/w/"+b.write+"/recover?path=notes/tmp.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recover status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var rec struct {
		Path      string `json:"path"`
		Recovered bool   `json:"recovered"`
	}
	decodeData(t, out, &rec)
	if !rec.Recovered {
		t.Error("recovered = false")
	}

	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/notes/tmp.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read after recover = %d", resp.StatusCode)
	}
	var got fileData
	decodeData(t, out, &got)
	if got.Content != "scratch" {
		t.Errorf("recovered content = %q", got.Content)
	}
}

func TestRotateFileKeys(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("rotate")

	_, out := e.do(http.MethodPut, "/w/"+b.write+"/secret.md",
		map[string]any{"content": "handle with care"}, nil)
	var file fileData
	decodeData(t, out, &file)

	resp, out := e.do(http.MethodPost, "/w/"+b.write+"/rotate?path=secret.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var rot struct {
		Path string            `json:"path"`
		Keys []mintedKey       `json:"keys"`
		URLs map[string]string `json:"urls"`
	}
	decodeData(t, out, &rot)
	if len(rot.Keys) != 3 {
		t.Fatalf("rotate minted %d keys, want 3", len(rot.Keys))
	}

	// A file-scoped read key serves its own file at the bare URL.
	var fileRead string
	for _, k := range rot.Keys {
		if k.Permission == "read" {
			fileRead = k.Key
			if k.ScopeType != "file" || k.ScopePath != "secret.md" {
				t.Errorf("rotated read key scope = %s %q", k.ScopeType, k.ScopePath)
			}
		}
	}
	resp, out = e.do(http.MethodGet, "/r/"+fileRead+"/", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read via rotated key = %d, error %+v", resp.StatusCode, out.Error)
	}
	var got fileData
	decodeData(t, out, &got)
	if got.Path != "secret.md" {
		t.Errorf("path = %q, want secret.md", got.Path)
	}
}

func TestKeyMintListRevoke(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("keys")

	resp, out := e.do(http.MethodPost, "/w/"+b.write+"/keys", map[string]any{
		"permission":  "append",
		"scopeType":   "folder",
		"scopePath":   "notes",
		"boundAuthor": "bot",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mint status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var minted mintedKey
	decodeData(t, out, &minted)
	if minted.Key == "" {
		t.Fatal("mint returned no plaintext")
	}

	// The minted key works inside its scope and carries its bound author.
	resp, out = e.do(http.MethodPost, "/a/"+minted.Key+"/notes/x.md",
		map[string]any{"text": "hello", "createIfMissing": true}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("append via minted key = %d, error %+v", resp.StatusCode, out.Error)
	}
	var a appendData
	decodeData(t, out, &a)
	if a.Author != "bot" {
		t.Errorf("author = %q, want the bound author", a.Author)
	}

	// Outside the folder scope it is a 404.
	resp, out = e.do(http.MethodPost, "/a/"+minted.Key+"/other.md",
		map[string]any{"text": "hello", "createIfMissing": true}, nil)
	wantError(t, resp, out, http.StatusNotFound, "PERMISSION_DENIED")

	// A minted key can never exceed the minting key's permission.
	resp, out = e.do(http.MethodPost, "/w/"+b.write+"/keys", map[string]any{
		"permission": "write",
		"scopeType":  "workspace",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("same-strength mint = %d, error %+v", resp.StatusCode, out.Error)
	}

	resp, out = e.do(http.MethodGet, "/w/"+b.write+"/keys", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list []mintedKey
	decodeData(t, out, &list)
	if len(list) != 5 {
		t.Errorf("listed %d keys, want 5", len(list))
	}
	for _, k := range list {
		if k.Key != "" {
			t.Error("listing leaked a plaintext key")
		}
	}

	// The primary write key is fenced behind force=true.
	resp, out = e.do(http.MethodDelete, "/w/"+b.write+"/keys/"+b.ids["write"], nil, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_REQUEST")

	resp, out = e.do(http.MethodDelete, "/w/"+b.write+"/keys/"+minted.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var revoked struct {
		ID      string `json:"id"`
		Revoked bool   `json:"revoked"`
	}
	decodeData(t, out, &revoked)
	if !revoked.Revoked || revoked.ID != minted.ID {
		t.Errorf("revoke = %+v", revoked)
	}

	// The dead key flattens to 404.
	resp, out = e.do(http.MethodPost, "/a/"+minted.Key+"/notes/x.md",
		map[string]any{"text": "again"}, nil)
	wantError(t, resp, out, http.StatusNotFound, "KEY_REVOKED")
}

func TestClaimRequiresSessions(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("unclaimed")

	resp, out := e.do(http.MethodPost, "/w/"+b.write+"/claim", nil, nil)
	wantError(t, resp, out, http.StatusUnauthorized, "UNAUTHORIZED")
}

func TestClaimAndRelease(t *testing.T) {
	sessions, err := session.New(session.Config{
		Secret: strings.Repeat("s", 32),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	e := newTestEnv(t, func(deps *RouterDeps) {
		deps.Sessions = sessions
	})
	b := e.bootstrap("claimable")

	now := time.Now().UTC()
	cookie := func(subject string) map[string]string {
		token, err := sessions.Issue(subject, now)
		if err != nil {
			t.Fatalf("Issue(%s): %v", subject, err)
		}
		return map[string]string{"Cookie": session.CookieName + "=" + token}
	}

	resp, out := e.do(http.MethodPost, "/w/"+b.write+"/claim", nil, cookie("alice"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var claim struct {
		Claimed     bool   `json:"claimed"`
		WorkspaceID string `json:"workspaceId"`
		Message     string `json:"message"`
		ClaimedBy   string `json:"claimedBy"`
	}
	decodeData(t, out, &claim)
	if !claim.Claimed || claim.Message != "claimed" {
		t.Errorf("claim = %+v, want claimed=true message=claimed", claim)
	}
	if claim.WorkspaceID != b.workspaceID {
		t.Errorf("workspaceId = %q, want %q", claim.WorkspaceID, b.workspaceID)
	}
	if claim.ClaimedBy != "alice" {
		t.Errorf("claimedBy = %q, want alice", claim.ClaimedBy)
	}

	// A second subject loses and learns who holds the claim.
	resp, out = e.do(http.MethodPost, "/w/"+b.write+"/claim", nil, cookie("bob"))
	wantError(t, resp, out, http.StatusBadRequest, "ALREADY_CLAIMED")
	if out.Error.Details["claimedBy"] != "alice" {
		t.Errorf("details = %v", out.Error.Details)
	}

	// Only the holder can release.
	resp, out = e.do(http.MethodDelete, "/w/"+b.write+"/claim", nil, cookie("bob"))
	wantError(t, resp, out, http.StatusBadRequest, "ALREADY_CLAIMED")

	resp, out = e.do(http.MethodDelete, "/w/"+b.write+"/claim", nil, cookie("alice"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, error %+v", resp.StatusCode, out.Error)
	}

	// The overview reflects the cleared claim.
	resp, out = e.do(http.MethodGet, "/w/"+b.write+"/", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview status = %d", resp.StatusCode)
	}
	var overview struct {
		Claimed bool `json:"claimed"`
	}
	decodeData(t, out, &overview)
	if overview.Claimed {
		t.Error("overview still shows claimed after release")
	}
}

func TestWorkspaceOverview(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("overview")

	for i := 0; i < 3; i++ {
		e.do(http.MethodPut, fmt.Sprintf("/w/%s/notes/f%d.md", b.write, i),
			map[string]any{"content": "body"}, nil)
	}

	resp, out := e.do(http.MethodGet, "/w/"+b.write+"/", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var data struct {
		Workspace struct {
			Name string `json:"name"`
		} `json:"workspace"`
		Stats struct {
			FileCount int64 `json:"fileCount"`
			TotalSize int64 `json:"totalSize"`
		} `json:"stats"`
		Claimed bool `json:"claimed"`
	}
	decodeData(t, out, &data)
	if data.Workspace.Name != "overview" {
		t.Errorf("name = %q", data.Workspace.Name)
	}
	if data.Stats.FileCount != 3 {
		t.Errorf("stats.fileCount = %d, want 3", data.Stats.FileCount)
	}
	if data.Stats.TotalSize != 12 {
		t.Errorf("stats.totalSize = %d, want 12", data.Stats.TotalSize)
	}
}

func TestFolderListingAndSearch(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("folders")

	e.do(http.MethodPut, "/w/"+b.write+"/notes/a.md", map[string]any{"content": "hello world"}, nil)
	e.do(http.MethodPut, "/w/"+b.write+"/notes/deep/b.md", map[string]any{"content": "deeper"}, nil)
	e.do(http.MethodPut, "/w/"+b.write+"/top.md", map[string]any{"content": "surface"}, nil)

	resp, out := e.do(http.MethodGet, "/r/"+b.read+"/folders", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var listing struct {
		Path     string `json:"path"`
		Children []struct {
			Name      string `json:"name"`
			Path      string `json:"path"`
			Type      string `json:"type"`
			FileCount int    `json:"fileCount"`
		} `json:"children"`
	}
	decodeData(t, out, &listing)
	if len(listing.Children) != 2 {
		t.Fatalf("root children = %d, want 2 (notes, top.md)", len(listing.Children))
	}
	// Folders sort ahead of files.
	if listing.Children[0].Type != "folder" || listing.Children[0].Name != "notes" {
		t.Errorf("first child = %+v, want the notes folder", listing.Children[0])
	}
	if listing.Children[0].FileCount != 2 {
		t.Errorf("notes fileCount = %d, want 2", listing.Children[0].FileCount)
	}
	if listing.Children[1].Type != "file" || listing.Children[1].Name != "top.md" {
		t.Errorf("second child = %+v, want top.md", listing.Children[1])
	}

	// Listing a folder that does not exist is explicit.
	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/folders/ghost", nil, nil)
	wantError(t, resp, out, http.StatusNotFound, "FOLDER_NOT_FOUND")

	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/ops/folders/search?q=hello", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var search struct {
		Query   string `json:"q"`
		Results []struct {
			Path string `json:"path"`
		} `json:"results"`
	}
	decodeData(t, out, &search)
	if len(search.Results) != 1 || search.Results[0].Path != "notes/a.md" {
		t.Errorf("search results = %+v, want notes/a.md", search.Results)
	}

	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/ops/folders/stats", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats struct {
		FileCount   int64 `json:"fileCount"`
		FolderCount int64 `json:"folderCount"`
		TotalSize   int64 `json:"totalSize"`
	}
	decodeData(t, out, &stats)
	if stats.FileCount != 3 {
		t.Errorf("stats.fileCount = %d, want 3", stats.FileCount)
	}
	if stats.TotalSize == 0 {
		t.Error("stats.totalSize is zero")
	}
}

func TestFolderDeleteProtocol(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("rmdir")

	e.do(http.MethodPut, "/w/"+b.write+"/notes/a.md", map[string]any{"content": "a"}, nil)
	e.do(http.MethodPut, "/w/"+b.write+"/notes/b.md", map[string]any{"content": "b"}, nil)
	e.do(http.MethodPost, "/w/"+b.write+"/folders/", map[string]any{"name": "archive"}, nil)

	// A folder with live files refuses a plain delete.
	resp, out := e.do(http.MethodDelete, "/w/"+b.write+"/folders/notes", nil, nil)
	wantError(t, resp, out, http.StatusConflict, "FOLDER_NOT_EMPTY")

	// The cascade needs the basename echoed back, not the full path.
	resp, out = e.do(http.MethodDelete, "/w/"+b.write+"/folders/notes?cascade=true", nil, nil)
	wantError(t, resp, out, http.StatusBadRequest, "CONFIRM_PATH_MISMATCH")
	resp, out = e.do(http.MethodDelete,
		"/w/"+b.write+"/folders/notes?cascade=true&confirmPath=nope", nil, nil)
	wantError(t, resp, out, http.StatusBadRequest, "CONFIRM_PATH_MISMATCH")

	resp, out = e.do(http.MethodDelete,
		"/w/"+b.write+"/folders/notes?cascade=true&confirmPath=notes", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cascade delete status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var del struct {
		Path         string `json:"path"`
		FilesDeleted int64  `json:"filesDeleted"`
	}
	decodeData(t, out, &del)
	if del.FilesDeleted != 2 {
		t.Errorf("filesDeleted = %d, want 2", del.FilesDeleted)
	}

	// An empty folder deletes directly, no cascade ritual.
	resp, out = e.do(http.MethodDelete, "/w/"+b.write+"/folders/archive", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty delete status = %d, error %+v", resp.StatusCode, out.Error)
	}
	decodeData(t, out, &del)
	if del.FilesDeleted != 0 {
		t.Errorf("empty folder filesDeleted = %d, want 0", del.FilesDeleted)
	}
}

func TestMoveAndRename(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("moves")

	e.do(http.MethodPut, "/w/"+b.write+"/notes/a.md", map[string]any{"content": "a"}, nil)
	e.do(http.MethodPut, "/w/"+b.write+"/notes/b.md", map[string]any{"content": "b"}, nil)
	e.do(http.MethodPut, "/w/"+b.write+"/archive/b.md", map[string]any{"content": "taken"}, nil)

	// Moving keeps the basename under the destination folder.
	resp, out := e.do(http.MethodPost, "/w/"+b.write+"/move",
		map[string]any{"source": "notes/a.md", "destination": "archive"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var moved struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	decodeData(t, out, &moved)
	if moved.To != "archive/a.md" {
		t.Errorf("moved to %q, want archive/a.md", moved.To)
	}
	resp, _ = e.do(http.MethodGet, "/r/"+b.read+"/archive/a.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read after move = %d", resp.StatusCode)
	}

	// An occupied destination is a conflict, not an overwrite.
	resp, out = e.do(http.MethodPost, "/w/"+b.write+"/move",
		map[string]any{"source": "notes/b.md", "destination": "archive"}, nil)
	wantError(t, resp, out, http.StatusConflict, "CONFLICT")

	// Renaming swaps the filename inside the folder.
	resp, out = e.do(http.MethodPatch, "/w/"+b.write+"/archive/a.md",
		map[string]any{"filename": "kept.md"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d, error %+v", resp.StatusCode, out.Error)
	}
	decodeData(t, out, &moved)
	if moved.To != "archive/kept.md" {
		t.Errorf("renamed to %q, want archive/kept.md", moved.To)
	}

	resp, out = e.do(http.MethodPatch, "/w/"+b.write+"/archive/kept.md",
		map[string]any{"filename": "sub/escape.md"}, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_REQUEST")

	resp, out = e.do(http.MethodPatch, "/w/"+b.write+"/archive/kept.md",
		map[string]any{}, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestSectionAndTail(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("windows")

	content := "# Log\n\n" + strings.Repeat("x", 40)
	e.do(http.MethodPut, "/w/"+b.write+"/log.md", map[string]any{"content": content}, nil)

	resp, out := e.do(http.MethodGet, "/r/"+b.read+"/section/Missing?path=log.md", nil, nil)
	wantError(t, resp, out, http.StatusNotFound, "SECTION_NOT_FOUND")

	// Without parameters the tail is a byte window covering the whole doc.
	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/tail?path=log.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tail status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var tail struct {
		Content       string `json:"content"`
		BytesReturned int    `json:"bytesReturned"`
		Truncated     bool   `json:"truncated"`
	}
	decodeData(t, out, &tail)
	if tail.BytesReturned != len(content) || tail.Truncated {
		t.Errorf("default tail = %d bytes truncated=%v, want %d/false",
			tail.BytesReturned, tail.Truncated, len(content))
	}

	// The final line has no newline, so a byte window lands exactly.
	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/tail?path=log.md&bytes=8", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tail bytes status = %d", resp.StatusCode)
	}
	decodeData(t, out, &tail)
	if tail.BytesReturned != 8 || !tail.Truncated {
		t.Errorf("bytes=8 tail = %d bytes truncated=%v", tail.BytesReturned, tail.Truncated)
	}

	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/tail?path=log.md&bytes=100001", nil, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_REQUEST")
	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/tail?path=log.md&lines=1001", nil, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestAppendAuthorValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("authors")

	for _, author := range []string{"system", "SYSTEM", "has spaces", "-leading"} {
		resp, out := e.do(http.MethodPost, "/a/"+b.appendKey+"/log.md",
			map[string]any{"text": "hi", "author": author, "createIfMissing": true}, nil)
		wantError(t, resp, out, http.StatusBadRequest, "INVALID_AUTHOR")
	}

	resp, out := e.do(http.MethodPost, "/a/"+b.appendKey+"/log.md",
		map[string]any{"text": "hi", "author": "alice.dev@example", "createIfMissing": true}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("valid author status = %d, error %+v", resp.StatusCode, out.Error)
	}
}

func TestFolderExport(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("export")

	e.do(http.MethodPut, "/w/"+b.write+"/notes/a.md", map[string]any{"content": "alpha"}, nil)
	e.do(http.MethodPut, "/w/"+b.write+"/notes/b.md", map[string]any{"content": "beta"}, nil)

	resp, body := e.raw(http.MethodGet, "/r/"+b.read+"/folders/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("content type = %q", ct)
	}
	if resp.Header.Get("X-Export-Checksum") == "" {
		t.Error("export missing checksum header")
	}
	if !bytes.HasPrefix(body, []byte("PK")) {
		t.Error("export body is not a zip")
	}
}

func TestBulkSeed(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("bulk")

	resp, out := e.do(http.MethodPost, "/a/"+b.appendKey+"/folders/bulk", map[string]any{
		"files": []map[string]any{
			{"path": "seed/one.md", "content": "1"},
			{"path": "seed/two.md", "content": "2"},
		},
		"author": "seeder",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bulk status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var bulk struct {
		Folder  string `json:"folder"`
		Results []struct {
			Path    string `json:"path"`
			Created bool   `json:"created"`
		} `json:"results"`
	}
	decodeData(t, out, &bulk)
	if len(bulk.Results) != 2 {
		t.Fatalf("bulk results = %d, want 2", len(bulk.Results))
	}
	for _, res := range bulk.Results {
		if !res.Created {
			t.Errorf("%s not created", res.Path)
		}
	}

	resp, out = e.do(http.MethodGet, "/r/"+b.read+"/seed/one.md", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read seeded file = %d", resp.StatusCode)
	}
}

func TestKeyRateLimit(t *testing.T) {
	e := newTestEnv(t, func(deps *RouterDeps) {
		deps.KeyLimiter = ratelimit.New(ratelimit.Config{PerMinute: 2})
	})
	b := e.bootstrap("limited")

	for i := 0; i < 2; i++ {
		resp, out := e.do(http.MethodGet, "/r/"+b.read+"/folders", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, error %+v", i+1, resp.StatusCode, out.Error)
		}
		if got := resp.Header.Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("X-RateLimit-Limit = %q, want 2", got)
		}
	}

	resp, out := e.do(http.MethodGet, "/r/"+b.read+"/folders", nil, nil)
	wantError(t, resp, out, http.StatusTooManyRequests, "RATE_LIMITED")
	if resp.Header.Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}

	// Other keys keep their own budget.
	resp, _ = e.do(http.MethodGet, "/w/"+b.write+"/", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("write key caught in the read key's bucket: %d", resp.StatusCode)
	}
}

func TestBootstrapIPRateLimit(t *testing.T) {
	e := newTestEnv(t, func(deps *RouterDeps) {
		deps.IPLimiter = ratelimit.New(ratelimit.Config{PerMinute: 1})
	})

	resp, _ := e.do(http.MethodPost, "/bootstrap", nil, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first bootstrap = %d", resp.StatusCode)
	}
	resp, out := e.do(http.MethodPost, "/bootstrap", nil, nil)
	wantError(t, resp, out, http.StatusTooManyRequests, "RATE_LIMITED")
}

func TestWebhookLifecycle(t *testing.T) {
	e := newTestEnv(t, func(deps *RouterDeps) {
		journal, err := webhook.OpenJournalInMemory()
		if err != nil {
			t.Fatalf("OpenJournalInMemory: %v", err)
		}
		t.Cleanup(func() { journal.Close() })
		deps.Journal = journal
		deps.Dispatcher = webhook.NewDispatcher(deps.Store, journal, nil, webhook.Config{
			AllowPrivate: true,
		})
	})
	b := e.bootstrap("hooks")

	resp, out := e.do(http.MethodPost, "/w/"+b.write+"/webhooks", map[string]any{
		"url":    "http://127.0.0.1:9999/hook",
		"events": []string{"append.created"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var created struct {
		ID     string   `json:"id"`
		Secret string   `json:"secret"`
		Events []string `json:"events"`
	}
	decodeData(t, out, &created)
	if created.ID == "" || created.Secret == "" {
		t.Fatalf("create response incomplete: %+v", created)
	}

	// Unknown event types are refused with the allowed set.
	resp, out = e.do(http.MethodPost, "/w/"+b.write+"/webhooks", map[string]any{
		"url":    "http://127.0.0.1:9999/hook",
		"events": []string{"nope"},
	}, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_EVENT_TYPE")

	// Listings mask the secret.
	resp, out = e.do(http.MethodGet, "/w/"+b.write+"/webhooks", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var hooks []struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	decodeData(t, out, &hooks)
	if len(hooks) != 1 {
		t.Fatalf("listed %d webhooks, want 1", len(hooks))
	}
	if hooks[0].Secret == created.Secret {
		t.Error("listing leaked the signing secret")
	}
	if !strings.HasPrefix(hooks[0].Secret, "whsec_...") {
		t.Errorf("masked secret = %q", hooks[0].Secret)
	}

	resp, out = e.do(http.MethodPatch, "/w/"+b.write+"/webhooks/"+created.ID,
		map[string]any{"disabled": true}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, error %+v", resp.StatusCode, out.Error)
	}
	var patched struct {
		Disabled bool `json:"disabled"`
	}
	decodeData(t, out, &patched)
	if !patched.Disabled {
		t.Error("patch did not disable the webhook")
	}

	resp, out = e.do(http.MethodDelete, "/w/"+b.write+"/webhooks/"+created.ID, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, out = e.do(http.MethodGet, "/w/"+b.write+"/webhooks/"+created.ID, nil, nil)
	wantError(t, resp, out, http.StatusNotFound, "WEBHOOK_NOT_FOUND")
}

func TestWebhookSSRFGuard(t *testing.T) {
	e := newTestEnv(t, func(deps *RouterDeps) {
		journal, err := webhook.OpenJournalInMemory()
		if err != nil {
			t.Fatalf("OpenJournalInMemory: %v", err)
		}
		t.Cleanup(func() { journal.Close() })
		deps.Journal = journal
		deps.Dispatcher = webhook.NewDispatcher(deps.Store, journal, nil, webhook.Config{})
	})
	b := e.bootstrap("guarded")

	for _, target := range []string{
		"http://127.0.0.1:9999/hook",
		"http://10.0.0.5/hook",
		"http://169.254.169.254/latest/meta-data",
		"ftp://example.com/hook",
	} {
		resp, out := e.do(http.MethodPost, "/w/"+b.write+"/webhooks", map[string]any{
			"url":    target,
			"events": []string{"append.created"},
		}, nil)
		wantError(t, resp, out, http.StatusBadRequest, "INVALID_WEBHOOK_URL")
	}
}

func TestPathTraversalRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.bootstrap("traversal")

	resp, out := e.do(http.MethodPut, "/w/"+b.write+"/notes/%2e%2e/escape.md",
		map[string]any{"content": "x"}, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_PATH")
}

func TestUnroutedRequests(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, out := e.do(http.MethodGet, "/nope", nil, nil)
	wantError(t, resp, out, http.StatusNotFound, "NOT_FOUND")

	resp, out = e.do(http.MethodPut, "/bootstrap", nil, nil)
	wantError(t, resp, out, http.StatusBadRequest, "INVALID_REQUEST")
}

func TestHealthProbes(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.raw(http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var live struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.Unmarshal(body, &live); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if live.Status != "ok" || live.Service != "carrel" {
		t.Errorf("healthz = %+v", live)
	}

	resp, body = e.raw(http.MethodGet, "/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
	var ready struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &ready); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if ready.Status != "ok" {
		t.Errorf("readyz = %+v", ready)
	}
}
