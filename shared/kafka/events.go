package kafka

import (
	log "github.com/sirupsen/logrus"

	"buildops/shared/message"
)

const (
	TopicBuildRequests = "build-requests"
	TopicBuildStatus   = "build-status"
	TopicBuildLogs     = "build-logs"
)

// Sender is the part of Producer the publisher needs.
type Sender interface {
	SendMessage(topic string, key string, value interface{}) error
}

// EventPublisher forwards build events to Kafka, keyed by build target so
// the events of one target stay ordered within a partition.
type EventPublisher struct {
	sender Sender
}

func NewEventPublisher(sender Sender) *EventPublisher {
	return &EventPublisher{sender: sender}
}

func (p *EventPublisher) BuildLog(msg message.BuildLogMessage) {
	if err := p.sender.SendMessage(TopicBuildLogs, msg.TargetID, msg); err != nil {
		log.Printf("❌ Failed to publish build log of %s: %v", msg.TargetID, err)
	}
}

func (p *EventPublisher) BuildStatus(msg message.BuildStatusMessage) {
	if err := p.sender.SendMessage(TopicBuildStatus, msg.TargetID, msg); err != nil {
		log.Printf("❌ Failed to publish build status of %s: %v", msg.TargetID, err)
		return
	}
	log.Printf("📤 Published status %s of %s #%d", msg.Status, msg.TargetID, msg.RunID)
}
