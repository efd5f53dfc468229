// Package admin exposes the mapping configuration over HTTP: schema
// introspection, draft editing via RFC 6902 patches, atomic deploy with
// history, rollback, and a server-sent event stream for lifecycle
// events.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/gorilla/mux"

	"github.com/golang-io/mqttsuite/mapping"
)

const realm = "mqttsuite-admin"

// defaultHistoryCap bounds the number of numbered snapshots kept under
// the history directory; the oldest is evicted.
const defaultHistoryCap = 50

var emptyDocument = []byte(`{"mapping":{}}`)

// API serves the mapping admin endpoints for one mapping file. The
// draft lives at path+".draft", snapshots under path+".history/".
type API struct {
	path     string
	username string
	password string

	// reload fires with the new active document after deploy and
	// rollback.
	reload func(doc []byte)

	historyCap int

	mu  sync.Mutex // single-writer discipline on draft/active/history
	log *slog.Logger
}

// New builds an API over the mapping file at path. Empty username
// disables authentication; reload may be nil.
func New(path, username, password string, reload func(doc []byte)) *API {
	return &API{
		path:       path,
		username:   username,
		password:   password,
		reload:     reload,
		historyCap: defaultHistoryCap,
		log:        slog.Default().With("context", "ADMIN"),
	}
}

func (a *API) draftPath() string  { return a.path + ".draft" }
func (a *API) historyDir() string { return a.path + ".history" }

// Router builds the endpoint table. The caller mounts it wherever it
// likes, typically under the metrics httpd.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.authenticate)
	r.HandleFunc("/schema", a.getSchema).Methods(http.MethodGet)
	r.HandleFunc("/config", a.getConfig).Methods(http.MethodGet)
	r.HandleFunc("/config", a.patchConfig).Methods(http.MethodPatch)
	r.HandleFunc("/config/validate", a.validateConfig).Methods(http.MethodPost)
	r.HandleFunc("/config/deploy", a.deployConfig).Methods(http.MethodPost)
	r.HandleFunc("/config/rollback", a.rollbackConfig).Methods(http.MethodPost)
	r.HandleFunc("/config/history", a.getHistory).Methods(http.MethodGet)
	return r
}

func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.username == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) != 1 {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// current returns the draft if present, else the active document, else
// the empty document.
func (a *API) current() ([]byte, error) {
	for _, path := range []string{a.draftPath(), a.path} {
		doc, err := os.ReadFile(path)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return emptyDocument, nil
}

// writeAtomic writes doc next to path and renames it into place, so a
// concurrent reader sees either the old or the new content.
func writeAtomic(path string, doc []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, doc, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (a *API) getSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(mapping.Schema())
}

func (a *API) getConfig(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	doc, err := a.current()
	a.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

func (a *API) patchConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	patch, err := jsonpatch.DecodePatch(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("bad patch: %v", err)})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	base, err := a.current()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	patched, err := patch.Apply(base)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": fmt.Sprintf("patch failed: %v", err)})
		return
	}
	if err := mapping.Validate(patched); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	if err := writeAtomic(a.draftPath(), patched); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.log.Info("draft patched", "ops", len(patch))
	writeJSON(w, http.StatusOK, map[string]any{"status": "patched"})
}

func (a *API) validateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := mapping.Validate(body); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

type deployRequest struct {
	Comment string `json:"comment"`
}

// historyEntry is one numbered snapshot. The deployed document is kept
// inline so rollback needs nothing else.
type historyEntry struct {
	ID      int             `json:"id"`
	Comment string          `json:"comment,omitempty"`
	Date    string          `json:"date"`
	Mapping json.RawMessage `json:"mapping_document"`
}

func (a *API) deployConfig(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	draft, err := os.ReadFile(a.draftPath())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": fmt.Sprintf("no draft to deploy: %v", err)})
		return
	}
	if err := a.appendHistory(draft, req.Comment); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	// The rename is the deploy: readers see old or new, never partial.
	if err := os.Rename(a.draftPath(), a.path); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	a.log.Info("mapping deployed", "path", a.path, "comment", req.Comment)
	if a.reload != nil {
		a.reload(draft)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deploy-ack"})
}

type rollbackRequest struct {
	VersionID int `json:"version_id"`
}

func (a *API) rollbackConfig(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("bad body: %v", err)})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, err := a.readHistory(req.VersionID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("version %d: %v", req.VersionID, err)})
		return
	}
	if err := writeAtomic(a.path, entry.Mapping); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	// A stale draft would shadow the restored document on GET /config.
	_ = os.Remove(a.draftPath())

	a.log.Info("mapping rolled back", "version", req.VersionID)
	if a.reload != nil {
		a.reload(entry.Mapping)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "rolled_back"})
}

func (a *API) getHistory(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	entries, err := a.listHistory()
	a.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{"id": e.ID, "comment": e.Comment, "date": e.Date})
	}
	writeJSON(w, http.StatusOK, out)
}

// historyIDs lists the snapshot numbers under the history directory in
// ascending order.
func (a *API) historyIDs() ([]int, error) {
	entries, err := os.ReadDir(a.historyDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		var id int
		if _, err := fmt.Sscanf(e.Name(), "%d.json", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (a *API) historyPath(id int) string {
	return filepath.Join(a.historyDir(), fmt.Sprintf("%02d.json", id))
}

func (a *API) appendHistory(doc []byte, comment string) error {
	if err := os.MkdirAll(a.historyDir(), 0o755); err != nil {
		return err
	}
	ids, err := a.historyIDs()
	if err != nil {
		return err
	}
	next := 1
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}
	entry := historyEntry{
		ID:      next,
		Comment: comment,
		Date:    time.Now().UTC().Format(time.RFC3339),
		Mapping: doc,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := writeAtomic(a.historyPath(next), raw); err != nil {
		return err
	}
	// Evict oldest beyond the cap.
	ids = append(ids, next)
	for len(ids) > a.historyCap {
		_ = os.Remove(a.historyPath(ids[0]))
		ids = ids[1:]
	}
	return nil
}

func (a *API) readHistory(id int) (*historyEntry, error) {
	raw, err := os.ReadFile(a.historyPath(id))
	if err != nil {
		return nil, err
	}
	var entry historyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (a *API) listHistory() ([]*historyEntry, error) {
	ids, err := a.historyIDs()
	if err != nil {
		return nil, err
	}
	out := make([]*historyEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := a.readHistory(id)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
