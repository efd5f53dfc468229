package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestAPI(t *testing.T, reload func([]byte)) (*API, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapping.json")
	return New(path, "", "", reload), path
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBasicAuth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	api := New(path, "admin", "secret", nil)
	router := api.Router()

	rec := do(t, router, http.MethodGet, "/config", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated GET /config = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="mqttsuite-admin"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated GET /config = %d, want 200", rec.Code)
	}

	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d, want 401", rec.Code)
	}
}

func TestGetSchema(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	rec := do(t, api.Router(), http.MethodGet, "/schema", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /schema = %d", rec.Code)
	}
	var schema map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["title"] != "MQTT mapping document" {
		t.Errorf("schema title = %v", schema["title"])
	}
}

func TestGetConfigEmptyDefault(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	rec := do(t, api.Router(), http.MethodGet, "/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /config = %d", rec.Code)
	}
	if got := rec.Body.String(); got != `{"mapping":{}}` {
		t.Errorf("empty config = %s", got)
	}
}

func TestPatchValidateDeployRollback(t *testing.T) {
	var reloaded [][]byte
	api, path := newTestAPI(t, func(doc []byte) { reloaded = append(reloaded, doc) })
	router := api.Router()

	// Patch the empty document into a draft.
	patch := []byte(`[{"op":"add","path":"/mapping/plugins","value":["p.so"]}]`)
	rec := do(t, router, http.MethodPatch, "/config", patch)
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH /config = %d: %s", rec.Code, rec.Body)
	}

	// The draft shadows the (absent) active document.
	rec = do(t, router, http.MethodGet, "/config", nil)
	var cfg map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatal(err)
	}
	if plugins, ok := cfg["mapping"]["plugins"].([]any); !ok || len(plugins) != 1 || plugins[0] != "p.so" {
		t.Fatalf("patched config = %s", rec.Body)
	}

	// Malformed patch body is a 400.
	if rec := do(t, router, http.MethodPatch, "/config", []byte(`{`)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad patch json = %d, want 400", rec.Code)
	}

	// A schema-breaking patch is a 422 and leaves the draft alone.
	breaking := []byte(`[{"op":"add","path":"/mapping/bogus","value":1}]`)
	if rec := do(t, router, http.MethodPatch, "/config", breaking); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("schema-breaking patch = %d, want 422", rec.Code)
	}
	rec = do(t, router, http.MethodGet, "/config", nil)
	if bytes.Contains(rec.Body.Bytes(), []byte("bogus")) {
		t.Error("failed patch must not change the draft")
	}

	// Validate endpoint.
	if rec := do(t, router, http.MethodPost, "/config/validate", []byte(`{"mapping":{}}`)); rec.Code != http.StatusOK {
		t.Errorf("validate good doc = %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/config/validate", []byte(`{"nope":1}`)); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("validate bad doc = %d, want 422", rec.Code)
	}

	// Deploy renames the draft over the active file and fires reload.
	rec = do(t, router, http.MethodPost, "/config/deploy", []byte(`{"comment":"first"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /config/deploy = %d: %s", rec.Code, rec.Body)
	}
	if len(reloaded) != 1 {
		t.Fatalf("reload fired %d times, want 1", len(reloaded))
	}
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("active file: %v", err)
	}
	if !bytes.Contains(active, []byte("p.so")) {
		t.Errorf("active = %s", active)
	}
	if _, err := os.Stat(path + ".draft"); !os.IsNotExist(err) {
		t.Error("draft should be gone after deploy")
	}

	// Deploy without a draft is a 500.
	if rec := do(t, router, http.MethodPost, "/config/deploy", nil); rec.Code != http.StatusInternalServerError {
		t.Errorf("deploy without draft = %d, want 500", rec.Code)
	}

	// Second version.
	patch2 := []byte(`[{"op":"replace","path":"/mapping/plugins","value":["q.so"]}]`)
	if rec := do(t, router, http.MethodPatch, "/config", patch2); rec.Code != http.StatusOK {
		t.Fatalf("second PATCH = %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/config/deploy", []byte(`{"comment":"second"}`)); rec.Code != http.StatusOK {
		t.Fatalf("second deploy = %d", rec.Code)
	}

	// History lists oldest to newest.
	rec = do(t, router, http.MethodGet, "/config/history", nil)
	var history []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0]["comment"] != "first" || history[1]["comment"] != "second" {
		t.Fatalf("history = %v", history)
	}

	// Roll back to version 1.
	rec = do(t, router, http.MethodPost, "/config/rollback", []byte(`{"version_id":1}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("rollback = %d: %s", rec.Code, rec.Body)
	}
	if len(reloaded) != 3 {
		t.Errorf("reload fired %d times, want 3", len(reloaded))
	}
	active, _ = os.ReadFile(path)
	if !bytes.Contains(active, []byte("p.so")) || bytes.Contains(active, []byte("q.so")) {
		t.Errorf("rolled-back active = %s", active)
	}

	// Unknown version is a 400.
	if rec := do(t, router, http.MethodPost, "/config/rollback", []byte(`{"version_id":99}`)); rec.Code != http.StatusBadRequest {
		t.Errorf("rollback to missing version = %d, want 400", rec.Code)
	}
}

func TestHistoryEviction(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	api.historyCap = 2
	router := api.Router()

	for i, comment := range []string{"one", "two", "three"} {
		patch := []byte(`[{"op":"add","path":"/mapping/plugins","value":["v` + string(rune('0'+i)) + `.so"]}]`)
		if rec := do(t, router, http.MethodPatch, "/config", patch); rec.Code != http.StatusOK {
			t.Fatalf("PATCH %d = %d", i, rec.Code)
		}
		if rec := do(t, router, http.MethodPost, "/config/deploy", []byte(`{"comment":"`+comment+`"}`)); rec.Code != http.StatusOK {
			t.Fatalf("deploy %d = %d", i, rec.Code)
		}
	}

	rec := do(t, router, http.MethodGet, "/config/history", nil)
	var history []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history kept %d entries, want 2", len(history))
	}
	if history[0]["comment"] != "two" || history[1]["comment"] != "three" {
		t.Errorf("history after eviction = %v", history)
	}
}
