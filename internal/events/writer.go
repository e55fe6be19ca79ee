package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Lifecycle event types.
const (
	ConsumerSaved       = "consumer.saved"
	ConsumerRemoved     = "consumer.removed"
	GroupSaved          = "group.saved"
	GroupRemoved        = "group.removed"
	RegistrationSaved   = "registration.saved"
	RegistrationRemoved = "registration.removed"
	DescriptionsChanged = "descriptions.changed"
	ProducerRefreshed   = "producer.refreshed"
	AdminKeyCreated     = "admin_key.created"
	AdminKeyRevoked     = "admin_key.revoked"
)

// Entity kinds.
const (
	KindConsumer     = "consumer"
	KindGroup        = "group"
	KindRegistration = "registration"
	KindProducer     = "producer"
	KindSettings     = "settings"
	KindAdminKey     = "admin_key"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Event is one row of the event log.
type Event struct {
	ID         int64        `json:"id"`
	TS         string       `json:"ts"`
	Type       string       `json:"type"`
	EntityKind string       `json:"entity_kind"`
	EntityID   string       `json:"entity_id,omitempty"`
	Payload    EventPayload `json:"payload"`
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
