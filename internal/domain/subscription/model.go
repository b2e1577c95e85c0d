package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceType is the FHIR type name subscriptions are stored under.
const ResourceType = "Subscription"

// ErrMalformed marks a body that cannot be decoded as a Subscription.
var ErrMalformed = errors.New("malformed Subscription")

// ChannelType is Subscription.channel.type. The zero value means absent.
type ChannelType string

const (
	ChannelRestHook  ChannelType = "rest-hook"
	ChannelWebsocket ChannelType = "websocket"
	ChannelEmail     ChannelType = "email"
	ChannelSMS       ChannelType = "sms"
	ChannelMessage   ChannelType = "message"
)

var channelTypes = map[ChannelType]bool{
	ChannelRestHook: true, ChannelWebsocket: true, ChannelEmail: true,
	ChannelSMS: true, ChannelMessage: true,
}

func (t *ChannelType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s != "" && !channelTypes[ChannelType(s)] {
		return fmt.Errorf("unknown channel.type code %q", s)
	}
	*t = ChannelType(s)
	return nil
}

// Status is Subscription.status. The zero value means absent.
type Status string

const (
	StatusRequested Status = "requested"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusOff       Status = "off"
)

var statuses = map[Status]bool{
	StatusRequested: true, StatusActive: true, StatusError: true, StatusOff: true,
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v != "" && !statuses[Status(v)] {
		return fmt.Errorf("unknown status code %q", v)
	}
	*s = Status(v)
	return nil
}

type Channel struct {
	Type     ChannelType `json:"type,omitempty"`
	Endpoint string      `json:"endpoint,omitempty"`
	Payload  string      `json:"payload,omitempty"`
	Header   []string    `json:"header,omitempty"`
}

// Definition is the part of a FHIR Subscription this package reasons about.
// The stored body keeps every other element untouched.
type Definition struct {
	ResourceType string     `json:"resourceType,omitempty"`
	ID           string     `json:"id,omitempty"`
	Status       Status     `json:"status,omitempty"`
	Criteria     string     `json:"criteria,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Error        string     `json:"error,omitempty"`
	Channel      Channel    `json:"channel"`
}

// DecodeDefinition reads a Subscription from its FHIR JSON form.
func DecodeDefinition(body []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if def.ResourceType != "" && def.ResourceType != ResourceType {
		return nil, fmt.Errorf("%w: resourceType is %q", ErrMalformed, def.ResourceType)
	}
	return &def, nil
}

// IndexEntry is a row of subscription_index. ResourcePID points back at the
// subscription's resource row; it does not own it.
type IndexEntry struct {
	ID          uuid.UUID `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	ResourcePID uuid.UUID `json:"resourcePid"`
}
