package whatsapp

import (
	"context"
	"encoding/json"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/dispatchq"
	"github.com/coregx/dispatchq/model"
)

// MetaWhatsAppID carries the upstream message ID after a successful send.
const MetaWhatsAppID = "whatsappMessageID"

// Payload is the message body producers enqueue for WhatsApp delivery.
// Exactly one of Text, Template or Media is used, selected by Kind.
type Payload struct {
	To       string    `json:"to"`
	Kind     string    `json:"kind"` // text, template or media
	Text     string    `json:"text,omitempty"`
	Template *Template `json:"template,omitempty"`
	Media    *Media    `json:"media,omitempty"`
}

// Validate checks the payload shape before it reaches the wire.
func (p Payload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.To, validation.Required),
		validation.Field(&p.Kind, validation.Required, validation.In("text", "template", "media")),
		validation.Field(&p.Text, validation.Required.When(p.Kind == "text")),
		validation.Field(&p.Template, validation.Required.When(p.Kind == "template")),
		validation.Field(&p.Media, validation.Required.When(p.Kind == "media")),
	)
}

// Worker adapts the client into a dispatchq worker.
//
// Malformed payloads fail with a validation error so the queue's retry
// policy does not waste attempts on messages that can never send. Delivery
// errors pass through untouched and stay retryable.
func Worker(c *Client) dispatchq.Worker {
	return func(ctx context.Context, raw json.RawMessage, metadata model.Metadata) error {
		var p Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return dispatchq.NewErrorWithCause(dispatchq.ErrCodeValidation, "malformed whatsapp payload", err)
		}
		if err := p.Validate(); err != nil {
			return dispatchq.NewErrorWithCause(dispatchq.ErrCodeValidation, "invalid whatsapp payload", err)
		}

		var (
			res *SendResult
			err error
		)
		switch p.Kind {
		case "text":
			res, err = c.SendText(ctx, p.To, p.Text)
		case "template":
			res, err = c.SendTemplate(ctx, p.To, *p.Template)
		case "media":
			res, err = c.SendMedia(ctx, p.To, *p.Media)
		}
		if err != nil {
			return err
		}
		if metadata != nil {
			metadata[MetaWhatsAppID] = res.MessageID
		}
		return nil
	}
}
