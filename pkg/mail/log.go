package mail

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// LogMailer writes messages to a zap logger instead of delivering them.
// Bodies are only emitted at debug level.
type LogMailer struct {
	log *zap.Logger
}

// NewLogMailer returns a Mailer backed by log. A nil logger discards everything.
func NewLogMailer(log *zap.Logger) *LogMailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	recipients := uniqueAddresses(msg.To)
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	m.log.Info("email not delivered: smtp disabled",
		zap.String("to", strings.Join(recipients, ",")),
		zap.String("subject", msg.Subject),
	)
	m.log.Debug("email body", zap.String("body", msg.Body))
	return nil
}
