package main

import (
	"archive/tar"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"

	"buildops/auth"
	"buildops/builder"
	"buildops/shared/model"
	"buildops/shared/store"
)

// TargetStore is the read and write side of build targets and their history
// that the HTTP API uses beyond the engine.
type TargetStore interface {
	UpsertBuildTarget(ctx context.Context, target *model.BuildTarget) (*model.BuildTarget, error)
	GetBuildTarget(ctx context.Context, id string) (*model.BuildTarget, error)
	GetBuildLog(ctx context.Context, id string) (*model.BuildLogEntry, error)
	ListBuildLogs(ctx context.Context, targetID string, limit int) ([]*model.BuildLogEntry, error)
}

type API struct {
	engine *builder.Engine
	store  TargetStore
}

func NewAPI(engine *builder.Engine, st TargetStore) *API {
	return &API{engine: engine, store: st}
}

type buildRequest struct {
	DelaySecs int `json:"delay_secs"`
}

type buildResponse struct {
	TargetID string       `json:"target_id"`
	RunID    int          `json:"run_id"`
	Status   model.Status `json:"status"`
	User     string       `json:"user"`
}

// targetResponse is the client view of a target. Repository credentials are
// never sent back, only whether they are set.
type targetResponse struct {
	*model.BuildTarget
	HasPassword   bool `json:"has_password"`
	HasPrivateKey bool `json:"has_private_key"`
	Running       bool `json:"running"`
}

func newTargetResponse(t *model.BuildTarget, running bool) targetResponse {
	view := *t
	view.Repository.Password = ""
	view.Repository.PrivateKey = ""
	return targetResponse{
		BuildTarget:   &view,
		HasPassword:   t.Repository.Password != "",
		HasPrivateKey: t.Repository.PrivateKey != "",
		Running:       running,
	}
}

type buildLogResponse struct {
	*model.BuildLogEntry
	Logs []string `json:"logs"`
}

// Routes registers the build API on r.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/targets/{targetId}", a.GetTarget).Methods("GET")
	r.HandleFunc("/targets/{targetId}", a.SaveTarget).Methods("PUT")
	r.HandleFunc("/targets/{targetId}/builds", a.StartBuild).Methods("POST")
	r.HandleFunc("/targets/{targetId}/builds", a.CancelBuild).Methods("DELETE")
	r.HandleFunc("/targets/{targetId}/builds", a.ListBuilds).Methods("GET")
	r.HandleFunc("/builds/running", a.RunningBuilds).Methods("GET")
	r.HandleFunc("/builds/{logId}", a.GetBuild).Methods("GET")
	r.HandleFunc("/builds/{logId}/artifact", a.GetArtifact).Methods("GET")
}

func (a *API) SaveTarget(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["targetId"]

	var target model.BuildTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	target.ID = targetID
	if err := target.Config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// run numbers and the live status belong to the engine, the store keeps them
	saved, err := a.store.UpsertBuildTarget(r.Context(), &target)
	if err != nil {
		log.Printf("❌ Failed to save target %s: %v", targetID, err)
		http.Error(w, "Failed to save target", http.StatusInternalServerError)
		return
	}
	log.Printf("💾 Saved build target %s", targetID)
	_, running := a.engine.Registry().Get(targetID)
	writeJSON(w, http.StatusOK, newTargetResponse(saved, running))
}

func (a *API) GetTarget(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["targetId"]
	target, err := a.store.GetBuildTarget(r.Context(), targetID)
	if err != nil {
		storeError(w, err)
		return
	}
	_, running := a.engine.Registry().Get(targetID)
	writeJSON(w, http.StatusOK, newTargetResponse(target, running))
}

func (a *API) StartBuild(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["targetId"]

	var req buildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.DelaySecs < 0 {
		http.Error(w, "delay_secs must not be negative", http.StatusBadRequest)
		return
	}

	user := auth.ActingUser(r.Context(), "anonymous")
	m, err := a.engine.Create(r.Context(), targetID, user, time.Duration(req.DelaySecs)*time.Second)
	switch {
	case err == nil:
	case errors.Is(err, builder.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, builder.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		storeError(w, err)
		return
	}

	log.Printf("📬 Build #%d of %s requested by %s", m.RunID(), targetID, user)
	writeJSON(w, http.StatusAccepted, buildResponse{
		TargetID: targetID,
		RunID:    m.RunID(),
		Status:   m.Status(),
		User:     user,
	})
}

func (a *API) CancelBuild(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["targetId"]
	if !a.engine.Cancel(targetID) {
		http.Error(w, "No running build for "+targetID, http.StatusNotFound)
		return
	}
	log.Printf("🛑 Build of %s cancelled by %s", targetID, auth.ActingUser(r.Context(), "anonymous"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"target_id": targetID, "cancelled": true})
}

func (a *API) ListBuilds(w http.ResponseWriter, r *http.Request) {
	targetID := mux.Vars(r)["targetId"]
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := a.store.ListBuildLogs(r.Context(), targetID, limit)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) RunningBuilds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Registry().Running())
}

func (a *API) GetBuild(w http.ResponseWriter, r *http.Request) {
	entry, err := a.store.GetBuildLog(r.Context(), mux.Vars(r)["logId"])
	if err != nil {
		storeError(w, err)
		return
	}

	logs, err := readLines(a.engine.Layout().LogFile(entry.TargetID, entry.RunID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("❌ Failed to read log of %s #%d: %v", entry.TargetID, entry.RunID, err)
	}
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, buildLogResponse{BuildLogEntry: entry, Logs: logs})
}

// GetArtifact serves the artifact kept in the history of a run. A directory
// artifact is streamed as a gzipped tarball.
func (a *API) GetArtifact(w http.ResponseWriter, r *http.Request) {
	entry, err := a.store.GetBuildLog(r.Context(), mux.Vars(r)["logId"])
	if err != nil {
		storeError(w, err)
		return
	}
	if entry.ResultPath == "" {
		http.Error(w, "Artifact not found", http.StatusNotFound)
		return
	}

	path := a.engine.Layout().HistoryPackageFile(entry.TargetID, entry.RunID, entry.ResultPath)
	info, err := os.Stat(path)
	if err != nil {
		http.Error(w, "Artifact not found", http.StatusNotFound)
		return
	}

	if !info.IsDir() {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", info.Name()))
		http.ServeFile(w, r, path)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%d.tar.gz", entry.TargetID, entry.RunID))
	if err := writeTarGz(w, path); err != nil {
		// headers are gone, the client sees a truncated stream
		log.Printf("❌ Failed to stream artifact of %s #%d: %v", entry.TargetID, entry.RunID, err)
	}
}

func writeTarGz(w io.Writer, root string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrTargetNotFound) || errors.Is(err, store.ErrBuildLogNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	log.Printf("❌ Store error: %v", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
