package notify

import (
	"context"
	"log"
	"strings"
)

// Message is one outbound notification to a contact address.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages to end users.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the process log instead of delivering them.
// Bodies are only printed when RevealBodies is set, which is meant for local
// development where there is no mail relay.
type LogSender struct {
	RevealBodies bool
}

func NewLogSender(env string) *LogSender {
	return &LogSender{RevealBodies: env == "dev"}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.RevealBodies {
		log.Printf("notify to=%s subject=%q body=%q", msg.To, msg.Subject, msg.Body)
		return nil
	}
	log.Printf("notify to=%s subject=%q body_len=%d", maskAddress(msg.To), msg.Subject, len(msg.Body))
	return nil
}

// maskAddress keeps the first character and the domain of an email address.
func maskAddress(addr string) string {
	local, domain, ok := strings.Cut(addr, "@")
	if !ok || local == "" {
		return "***"
	}
	return local[:1] + "***@" + domain
}
