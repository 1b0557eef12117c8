package types

import (
	"encoding/json"
	"time"
)

// EventKind is the lifecycle change that triggered a scan invocation
type EventKind string

const (
	EventCreate       EventKind = "create"
	EventUpdateCode   EventKind = "update-code"
	EventUpdateConfig EventKind = "update-config"
)

// Valid reports whether k is one of the recognized lifecycle kinds
func (k EventKind) Valid() bool {
	switch k {
	case EventCreate, EventUpdateCode, EventUpdateConfig:
		return true
	}
	return false
}

// ChangesCode reports whether the event implies new deployable code
func (k EventKind) ChangesCode() bool {
	return k == EventCreate || k == EventUpdateCode
}

// ChangeEvent is the triggering fact for one invocation.
// Built once from untrusted input and never modified afterwards.
type ChangeEvent struct {
	ResourceID string
	Kind       EventKind
	Source     string
	EventName  string
	Region     string
	Account    string
	Timestamp  time.Time

	// Raw is the provider envelope. It must never be logged.
	Raw json.RawMessage
}
