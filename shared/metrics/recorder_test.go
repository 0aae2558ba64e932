package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildops/shared/message"
	"buildops/shared/model"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	status := func(target string, s model.Status) {
		r.BuildStatus(message.BuildStatusMessage{TargetID: target, Status: s})
	}

	status("web", model.StatusRunning)
	status("api", model.StatusRunning)
	status("web", model.StatusSuccess)
	// cancelled before it ever ran
	status("docs", model.StatusCancelled)
	r.BuildLog(message.BuildLogMessage{TargetID: "api", LogEntry: "a"})
	r.BuildLog(message.BuildLogMessage{TargetID: "api", LogEntry: "b"})

	out := scrape(t, r)
	for _, line := range []string{
		`buildops_build_total{status="running"} 2`,
		`buildops_build_total{status="success"} 1`,
		`buildops_build_total{status="cancelled"} 1`,
		`buildops_builds_running 1`,
		`buildops_build_log_lines_total 2`,
	} {
		assert.Contains(t, out, line)
	}
}
