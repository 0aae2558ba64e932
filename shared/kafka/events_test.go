package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildops/shared/message"
	"buildops/shared/model"
)

type sent struct {
	topic string
	key   string
	value interface{}
}

type fakeSender struct {
	sent []sent
	err  error
}

func (f *fakeSender) SendMessage(topic, key string, value interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{topic, key, value})
	return nil
}

func TestEventPublisherTopicsAndKeys(t *testing.T) {
	f := &fakeSender{}
	p := NewEventPublisher(f)

	logMsg := message.BuildLogMessage{TargetID: "web", RunID: 2, LogEntry: "hi", Timestamp: time.Now()}
	statusMsg := message.BuildStatusMessage{TargetID: "web", RunID: 2, Status: model.StatusRunning, UpdatedAt: time.Now()}
	p.BuildLog(logMsg)
	p.BuildStatus(statusMsg)

	require.Len(t, f.sent, 2)
	assert.Equal(t, sent{TopicBuildLogs, "web", logMsg}, f.sent[0])
	assert.Equal(t, sent{TopicBuildStatus, "web", statusMsg}, f.sent[1])
}

func TestEventPublisherSwallowsErrors(t *testing.T) {
	p := NewEventPublisher(&fakeSender{err: errors.New("queue full")})
	assert.NotPanics(t, func() {
		p.BuildStatus(message.BuildStatusMessage{TargetID: "web"})
		p.BuildLog(message.BuildLogMessage{TargetID: "web"})
	})
}

func TestUnmarshalMessage(t *testing.T) {
	var req message.BuildRequestMessage
	require.NoError(t, UnmarshalMessage([]byte(`{"target_id":"web","user_id":"u1","delay_secs":5}`), &req))
	assert.Equal(t, "web", req.TargetID)
	assert.Equal(t, 5, req.DelaySecs)
	assert.False(t, req.Cancel)
}
