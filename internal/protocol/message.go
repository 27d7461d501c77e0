// Package protocol defines the messages peers exchange to synchronize
// CoValues, how they are framed on the wire, and how inbound frames are
// validated.
package protocol

import (
	"errors"
	"fmt"

	"cosync/internal/covalue"
)

// Errors
var (
	ErrUnknownAction  = errors.New("protocol: unknown action")
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// Action is the kind of a sync message.
type Action string

const (
	// ActionPull asks for everything newer than the sender's known state
	// and subscribes the sender to future updates.
	ActionPull Action = "pull"
	// ActionPush carries unsolicited new content.
	ActionPush Action = "push"
	// ActionAck answers a push. Terminal.
	ActionAck Action = "ack"
	// ActionData answers a pull. Terminal.
	ActionData Action = "data"
	// ActionKnown states what the sender holds, optionally as a correction.
	ActionKnown Action = "known"
)

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	switch a {
	case ActionPull, ActionPush, ActionAck, ActionData, ActionKnown:
		return true
	}
	return false
}

// Terminal reports whether a message of this kind must not be answered.
func (a Action) Terminal() bool {
	return a == ActionAck || a == ActionData
}

// Priority orders outbound messages; lower values are sent first.
type Priority int

const (
	PriorityHigh   Priority = 0
	PriorityMedium Priority = 3
	PriorityLow    Priority = 6
)

// PriorityFor returns the send priority of content of a CoValue with the
// given header. Groups gate the validity of everything they own, so they go
// first. Content messages built without a header default to medium; a
// sender holding the header must apply its priority to every chunk.
func PriorityFor(h *covalue.Header) Priority {
	if h == nil {
		return PriorityMedium
	}
	switch {
	case h.Ruleset.Type == covalue.RulesetGroup:
		return PriorityHigh
	case h.Type == "costream" || h.Type == "binary":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Message is one sync message.
type Message struct {
	Action         Action                                       `json:"action"`
	ID             covalue.ID                                   `json:"id"`
	Header         *covalue.Header                              `json:"header,omitempty"`
	Sessions       map[covalue.SessionID]covalue.SessionContent `json:"sessions,omitempty"`
	KnownState     *covalue.KnownState                          `json:"knownState,omitempty"`
	Known          *bool                                        `json:"known,omitempty"`
	AsDependencyOf covalue.ID                                   `json:"asDependencyOf,omitempty"`
	IsCorrection   bool                                         `json:"isCorrection,omitempty"`
	Priority       Priority                                     `json:"priority"`
}

// Pull builds a pull for the content beyond ks.
func Pull(ks covalue.KnownState) Message {
	ks = ks.Clone()
	return Message{Action: ActionPull, ID: ks.ID, KnownState: &ks, Priority: PriorityHigh}
}

// Push builds a push carrying header and sessions. ks is the sender's
// known state after the push is applied.
func Push(id covalue.ID, header *covalue.Header, sessions map[covalue.SessionID]covalue.SessionContent, ks covalue.KnownState) Message {
	ks = ks.Clone()
	return Message{
		Action:     ActionPush,
		ID:         id,
		Header:     header,
		Sessions:   sessions,
		KnownState: &ks,
		Priority:   PriorityFor(header),
	}
}

// Data builds the reply to a pull. known=false says the sender has never
// heard of id.
func Data(id covalue.ID, header *covalue.Header, sessions map[covalue.SessionID]covalue.SessionContent, known bool, ks covalue.KnownState) Message {
	ks = ks.Clone()
	return Message{
		Action:     ActionData,
		ID:         id,
		Header:     header,
		Sessions:   sessions,
		KnownState: &ks,
		Known:      &known,
		Priority:   PriorityFor(header),
	}
}

// NotFound builds data{known:false} for id.
func NotFound(id covalue.ID) Message {
	return Data(id, nil, nil, false, covalue.EmptyKnownState(id))
}

// Ack builds the reply to a push.
func Ack(ks covalue.KnownState) Message {
	ks = ks.Clone()
	return Message{Action: ActionAck, ID: ks.ID, KnownState: &ks, Priority: PriorityHigh}
}

// Known builds a known-state statement. A correction replaces whatever
// the receiver believes the sender holds.
func Known(ks covalue.KnownState, correction bool) Message {
	ks = ks.Clone()
	return Message{Action: ActionKnown, ID: ks.ID, KnownState: &ks, IsCorrection: correction, Priority: PriorityHigh}
}

// IsKnown reports the known flag of a data message. Missing means known.
func (m Message) IsKnown() bool {
	return m.Known == nil || *m.Known
}

// State returns the sender's known state, or an empty one.
func (m Message) State() covalue.KnownState {
	if m.KnownState == nil {
		return covalue.EmptyKnownState(m.ID)
	}
	ks := m.KnownState.Clone()
	ks.ID = m.ID
	return ks
}

// HasContent reports whether the message carries a header or transactions.
func (m Message) HasContent() bool {
	if m.Header != nil {
		return true
	}
	for _, c := range m.Sessions {
		if len(c.NewTransactions) > 0 {
			return true
		}
	}
	return false
}

// Validate checks the semantic rules that the schema cannot express.
func (m Message) Validate() error {
	if !m.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, m.Action)
	}
	if err := m.ID.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.KnownState != nil && m.KnownState.ID != "" && m.KnownState.ID != m.ID {
		return fmt.Errorf("%w: known state for %s in message for %s", ErrInvalidMessage, m.KnownState.ID, m.ID)
	}
	if m.Header != nil {
		if err := m.Header.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := m.Header.Matches(m.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	for s, c := range m.Sessions {
		if c.After < 0 {
			return fmt.Errorf("%w: session %s starts at %d", ErrInvalidMessage, s, c.After)
		}
		if len(c.NewTransactions) > 0 && c.LastSignature == "" {
			return fmt.Errorf("%w: session %s content without signature", ErrInvalidMessage, s)
		}
	}
	switch m.Action {
	case ActionPull, ActionAck, ActionKnown:
		if m.KnownState == nil {
			return fmt.Errorf("%w: %s without known state", ErrInvalidMessage, m.Action)
		}
		if m.HasContent() {
			return fmt.Errorf("%w: %s carries content", ErrInvalidMessage, m.Action)
		}
	case ActionData:
		if !m.IsKnown() && m.HasContent() {
			return fmt.Errorf("%w: unknown data carries content", ErrInvalidMessage)
		}
	}
	return nil
}

// String renders a compact description for logs.
func (m Message) String() string {
	n := 0
	for _, c := range m.Sessions {
		n += len(c.NewTransactions)
	}
	s := fmt.Sprintf("%s %s", m.Action, m.ID)
	if m.Header != nil {
		s += " +header"
	}
	if n > 0 {
		s += fmt.Sprintf(" +%dtx", n)
	}
	if m.Action == ActionData && !m.IsKnown() {
		s += " unknown"
	}
	if m.IsCorrection {
		s += " correction"
	}
	if m.AsDependencyOf != "" {
		s += " dep-of " + string(m.AsDependencyOf)
	}
	return s
}
