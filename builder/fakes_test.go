package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buildops/builder/scm"
	"buildops/shared/message"
	"buildops/shared/model"
)

type memStore struct {
	mu            sync.Mutex
	targets       map[string]*model.BuildTarget
	logs          map[string]*model.BuildLogEntry
	targetResults []string
	logResults    []string
	createErr     error
}

func newMemStore(targets ...*model.BuildTarget) *memStore {
	s := &memStore{
		targets: make(map[string]*model.BuildTarget),
		logs:    make(map[string]*model.BuildLogEntry),
	}
	for _, t := range targets {
		s.targets[t.ID] = t
	}
	return s
}

func (s *memStore) GetBuildTarget(_ context.Context, id string) (*model.BuildTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %s: not found", id)
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) SetBuildTargetStatus(_ context.Context, id string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[id].Status = status
	return nil
}

func (s *memStore) UpdateBuildTargetResultPath(_ context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[id].Config.ResultPath = path
	s.targetResults = append(s.targetResults, path)
	return nil
}

func (s *memStore) NextBuildNumber(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[id].BuildNumber++
	return s.targets[id].BuildNumber, nil
}

func (s *memStore) CreateBuildLog(_ context.Context, entry *model.BuildLogEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	entry.ID = fmt.Sprintf("log-%d", len(s.logs)+1)
	cp := *entry
	s.logs[entry.ID] = &cp
	return entry.ID, nil
}

func (s *memStore) UpdateBuildLogStatus(_ context.Context, id string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id].Status = status
	return nil
}

func (s *memStore) UpdateBuildLogResultPath(_ context.Context, id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id].ResultPath = path
	s.logResults = append(s.logResults, path)
	return nil
}

func (s *memStore) targetStatus(id string) model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[id].Status
}

func (s *memStore) buildLogs() []model.BuildLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BuildLogEntry
	for _, l := range s.logs {
		out = append(out, *l)
	}
	return out
}

// fakePuller writes files into the working directory instead of talking to
// a repository. Hooks run before the files are written.
type fakePuller struct {
	files   map[string]string
	summary string
	err     error
	hook  func()
	calls int
	mu    sync.Mutex
}

func (p *fakePuller) Pull(_ context.Context, _ model.Repository, dir string, ref scm.Ref, out io.Writer) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.hook != nil {
		p.hook()
	}
	if p.err != nil {
		return "", p.err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	for rel, content := range p.files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", err
		}
	}
	fmt.Fprintf(out, "fetched %s\n", ref.Branch)
	if p.summary != "" {
		return p.summary, nil
	}
	return "pulled " + ref.Branch, nil
}

func (p *fakePuller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type recorder struct {
	mu       sync.Mutex
	lines    []string
	statuses []model.Status
}

func (r *recorder) BuildLog(msg message.BuildLogMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg.LogEntry)
}

func (r *recorder) BuildStatus(msg message.BuildStatusMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, msg.Status)
}

func (r *recorder) hasLine(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func newTarget(id, script, resultPath string) *model.BuildTarget {
	return &model.BuildTarget{
		ID:         id,
		Name:       id,
		Repository: model.Repository{ID: "repo", URL: "file:///dev/null", Type: model.RepoGit},
		Branch:     "main",
		Script:     script,
		Config:     model.BuildConfig{ResultPath: resultPath},
	}
}

type harness struct {
	engine *Engine
	store  *memStore
	puller *fakePuller
	rec    *recorder
	layout Layout
}

func newHarness(t *testing.T, target *model.BuildTarget, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  newMemStore(target),
		puller: &fakePuller{},
		rec:    &recorder{},
		layout: NewLayout(t.TempDir()),
	}
	opts = append([]Option{WithPuller(h.puller), WithNotifier(h.rec)}, opts...)
	h.engine = NewEngine(context.Background(), h.store, h.layout, opts...)
	t.Cleanup(h.engine.Wait)
	return h
}

func waitDone(t *testing.T, m *Manage) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(20 * time.Second):
		t.Fatalf("build %s did not finish", m.TargetID())
	}
}

func readLog(t *testing.T, m *Manage) string {
	t.Helper()
	data, err := os.ReadFile(m.LogPath())
	require.NoError(t, err)
	return string(data)
}
