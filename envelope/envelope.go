// Package envelope holds the immutable event payload that flows between
// the outbox, the broker and the inbox, and the small set of helpers used
// to derive it from a domain event and round-trip it through JSON.
package envelope

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubjectKey is the body key used to carry the subject across the wire so
// that a consumer can recover it without any out-of-band metadata.
const SubjectKey = "_subject"

// Event is implemented by domain events that an Entity appends to its
// outbox. ID and OccurredOn are fixed at creation time; Base below is the
// usual way to get both for free.
type Event interface {
	EventID() uuid.UUID
	EventOccurredOn() time.Time
}

// Base is embedded by concrete event types to get identity and a creation
// timestamp without repeating the boilerplate. It must be initialized with
// NewBase; the zero value is not a valid Base.
type Base struct {
	id         uuid.UUID
	occurredOn time.Time
}

// NewBase stamps a fresh identity and timestamp for an event being created
// right now.
func NewBase() Base {
	return Base{id: uuid.New(), occurredOn: time.Now().UTC()}
}

func (b Base) EventID() uuid.UUID         { return b.id }
func (b Base) EventOccurredOn() time.Time { return b.occurredOn }

// Payload is the immutable wire representation of an event. Two payloads
// sharing an ID must agree on Subject and OccurredOn; Body is the
// authoritative representation and is what actually crosses the wire.
type Payload struct {
	ID         uuid.UUID
	OccurredOn time.Time
	Subject    string
	Body       map[string]any
}

var kebabBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// Subject derives the kebab-case routing subject from a Go type name, e.g.
// OrderPlaced -> order-placed. It mirrors the Python library's
// camel-to-kebab conversion of the runtime event class name.
func Subject(e Event) string {
	name := reflect.TypeOf(e).Elem().Name()
	kebab := kebabBoundary.ReplaceAllString(name, "$1-$2")

	return strings.ToLower(kebab)
}

// FromEvent builds a Payload from a domain event by JSON-encoding it into
// Body and stamping the subject and identity fields alongside it.
func FromEvent(e Event) (Payload, error) {
	encoded, err := json.Marshal(e)
	if err != nil {
		return Payload{}, err
	}

	body := make(map[string]any)
	if err := json.Unmarshal(encoded, &body); err != nil {
		return Payload{}, err
	}

	subject := Subject(e)
	id := e.EventID()
	occurredOn := e.EventOccurredOn()

	body[SubjectKey] = subject
	body["id"] = id.String()
	body["occurred_on"] = occurredOn.Format(time.RFC3339Nano)

	return Payload{
		ID:         id,
		OccurredOn: occurredOn,
		Subject:    subject,
		Body:       body,
	}, nil
}

// FromBody is the inverse of FromEvent's body encoding: it recovers a
// Payload from a raw wire body, such as one just received from the
// broker. It requires "id", "occurred_on" and the SubjectKey to be
// present; these are the only three fields the round-trip law in the
// specification guarantees.
func FromBody(body map[string]any) (Payload, error) {
	idRaw, _ := body["id"].(string)

	id, err := uuid.Parse(idRaw)
	if err != nil {
		return Payload{}, err
	}

	occurredRaw, _ := body["occurred_on"].(string)

	occurredOn, err := time.Parse(time.RFC3339Nano, occurredRaw)
	if err != nil {
		return Payload{}, err
	}

	subject, _ := body[SubjectKey].(string)

	return Payload{ID: id, OccurredOn: occurredOn, Subject: subject, Body: body}, nil
}

// MarshalJSON renders the payload in the canonical wire format from the
// specification: id, occurred_on and _subject alongside the rest of Body.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Body)+3)

	for k, v := range p.Body {
		out[k] = v
	}

	out["id"] = p.ID.String()
	out["occurred_on"] = p.OccurredOn.Format(time.RFC3339Nano)
	out[SubjectKey] = p.Subject

	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON, built on top of FromBody.
func (p *Payload) UnmarshalJSON(data []byte) error {
	body := make(map[string]any)
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}

	decoded, err := FromBody(body)
	if err != nil {
		return err
	}

	*p = decoded

	return nil
}
