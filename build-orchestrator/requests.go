package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"buildops/builder"
	"buildops/shared/kafka"
	"buildops/shared/message"
	"buildops/shared/store"
)

type buildStarter interface {
	Create(ctx context.Context, targetID, user string, delay time.Duration) (*builder.Manage, error)
	Cancel(targetID string) bool
}

// buildRequestHandler turns messages of the build-requests topic into engine
// calls. Requests that can never succeed are logged and acknowledged so the
// consumer moves on.
func buildRequestHandler(ctx context.Context, engine buildStarter) kafka.MessageHandler {
	return func(key, value []byte) error {
		var req message.BuildRequestMessage
		if err := kafka.UnmarshalMessage(value, &req); err != nil {
			return fmt.Errorf("decode build request: %w", err)
		}
		if req.TargetID == "" {
			log.Printf("⚠️ Ignoring build request without target_id")
			return nil
		}

		if req.Cancel {
			if engine.Cancel(req.TargetID) {
				log.Printf("🛑 Build of %s cancelled by %s", req.TargetID, req.UserID)
			} else {
				log.Printf("⚠️ No running build of %s to cancel", req.TargetID)
			}
			return nil
		}

		log.Printf("📬 Received build request for %s from %s", req.TargetID, req.UserID)
		_, err := engine.Create(ctx, req.TargetID, req.UserID, time.Duration(req.DelaySecs)*time.Second)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, builder.ErrAlreadyRunning),
			errors.Is(err, builder.ErrInvalidConfig),
			errors.Is(err, store.ErrTargetNotFound):
			log.Printf("⚠️ Build request for %s rejected: %v", req.TargetID, err)
			return nil
		default:
			return err
		}
	}
}
