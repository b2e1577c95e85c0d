package resource

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrGone            = errors.New("resource deleted")
	ErrVersionConflict = errors.New("version conflict")
	ErrUnknownType     = errors.New("unsupported resource type")
	ErrInvalidBody     = errors.New("invalid resource body")
)

// Ref identifies one version of a stored resource. PID is the storage
// primary key; ID is the client-visible logical id.
type Ref struct {
	PID     uuid.UUID
	Type    string
	ID      string
	Version int
}

// Entity is the latest (or a historical) version of a resource.
type Entity struct {
	PID       uuid.UUID
	Type      string
	ID        string
	Version   int
	Body      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (e *Entity) Ref() Ref {
	return Ref{PID: e.PID, Type: e.Type, ID: e.ID, Version: e.Version}
}

func (e *Entity) IsDeleted() bool { return e.DeletedAt != nil }

func (e *Entity) clone() *Entity {
	c := *e
	if e.Body != nil {
		c.Body = append(json.RawMessage(nil), e.Body...)
	}
	if e.DeletedAt != nil {
		d := *e.DeletedAt
		c.DeletedAt = &d
	}
	return &c
}

// Revision is an entry of a resource's version history.
type Revision struct {
	Entity
	Action string // "create", "update", "delete"
}

// Write describes a pending write handed to Hooks.BeforeWrite. Existing is nil
// for creates.
type Write struct {
	Type     string
	ID       string
	Body     json.RawMessage
	Deleting bool
	Existing *Entity
}
