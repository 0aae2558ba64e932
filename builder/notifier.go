package builder

import "buildops/shared/message"

// Notifier receives live build events. Implementations must not block the
// build for long: they are called inline from the worker.
type Notifier interface {
	BuildLog(msg message.BuildLogMessage)
	BuildStatus(msg message.BuildStatusMessage)
}

// Notifiers fans every event out to each of its members.
type Notifiers []Notifier

func (ns Notifiers) BuildLog(msg message.BuildLogMessage) {
	for _, n := range ns {
		n.BuildLog(msg)
	}
}

func (ns Notifiers) BuildStatus(msg message.BuildStatusMessage) {
	for _, n := range ns {
		n.BuildStatus(msg)
	}
}
