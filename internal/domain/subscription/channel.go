package subscription

import (
	"strings"

	"github.com/ehr/subscriptions/internal/platform/fhir"
)

// EncodingRecognizer maps a MIME type or format code to a content encoding.
type EncodingRecognizer interface {
	Recognize(contentType string) (fhir.Encoding, bool)
}

// ChannelValidator checks channel fields that depend on the channel type.
type ChannelValidator struct {
	encodings EncodingRecognizer
}

// NewChannelValidator creates a ChannelValidator that checks rest-hook
// payloads against encodings.
func NewChannelValidator(encodings EncodingRecognizer) *ChannelValidator {
	return &ChannelValidator{encodings: encodings}
}

// Validate requires a channel type. Rest-hook channels also need a recognized
// payload encoding and an endpoint, checked in that order.
func (v *ChannelValidator) Validate(ch Channel) error {
	if ch.Type == "" {
		return invalid("channel.type must be populated")
	}
	if ch.Type != ChannelRestHook {
		return nil
	}
	if strings.TrimSpace(ch.Payload) == "" {
		return invalid("channel.payload must be populated for rest-hook subscriptions")
	}
	if _, ok := v.encodings.Recognize(ch.Payload); !ok {
		return invalid("invalid value for channel.payload: %s", ch.Payload)
	}
	if strings.TrimSpace(ch.Endpoint) == "" {
		return invalid("channel.endpoint must be defined")
	}
	return nil
}
