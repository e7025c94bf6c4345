// Package transport is the outbound send capability. The engine only
// depends on the Sender interface; the AWS-backed implementations here are
// the reference channel, and tests inject fakes.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campaign-dispatch/internal/models"
)

// Receipt is the provider acknowledgement for one delivered message.
type Receipt struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// Sender delivers one rendered message to one address on behalf of a user's
// channel session.
type Sender interface {
	SendToAddress(ctx context.Context, userID, address string, content models.MessageContent, vars map[string]string) (*Receipt, error)
}

// RenderContent substitutes {{placeholder}} variables into the message body.
// Unknown placeholders are stripped so a missing variable never leaks raw
// template syntax to a recipient.
func RenderContent(body string, vars map[string]string) string {
	result := body

	for k, v := range vars {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}

	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		end += start + 2
		result = result[:start] + result[end:]
	}

	return result
}

func validateAddress(address string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("empty address")
	}
	return nil
}
