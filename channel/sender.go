// Package channel delivers borrower messages through external channel senders.
package channel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collections/collection"
)

// Sender hands a message to an external channel provider and returns its delivery ID.
type Sender interface {
	Send(ctx context.Context, ch collection.Channel, caseID, body string) (string, error)
}

// Message is one queued outbound message.
type Message struct {
	ID       string
	CaseID   string
	Channel  collection.Channel
	Body     string
	ActorID  *string
	QueuedAt time.Time
}

// LogSender writes messages to the log instead of a provider.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, ch collection.Channel, caseID, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.logger.Info("channel message",
		zap.String("delivery_id", id),
		zap.String("case_id", caseID),
		zap.String("channel", string(ch)),
		zap.Int("length", len(body)),
	)
	return id, nil
}
