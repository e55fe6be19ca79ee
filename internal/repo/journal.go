package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wsrpline/internal/events"
	"wsrpline/internal/registration"
	"wsrpline/internal/wsrp"
)

// Journal writes registry changes to sqlite, each with its event, in one transaction.
type Journal struct {
	Repo Repo
}

var _ registration.Journal = Journal{}

func (j Journal) SaveConsumer(ctx context.Context, rec registration.ConsumerRecord) error {
	caps, err := json.Marshal(rec.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return j.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO consumers(id,name,agent,status,group_name,capabilities_json) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name,agent=excluded.agent,status=excluded.status,group_name=excluded.group_name,capabilities_json=excluded.capabilities_json`,
			rec.ID, rec.Name, nullable(rec.Agent), rec.Status.String(), nullable(rec.Group), string(caps))
		if err != nil {
			return err
		}
		return j.Repo.Events.Append(ctx, tx, events.ConsumerSaved, events.KindConsumer, rec.ID, events.EventPayload{
			"name":   rec.Name,
			"status": rec.Status.String(),
			"group":  rec.Group,
		})
	})
}

func (j Journal) DeleteConsumer(ctx context.Context, id string) error {
	return j.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM consumers WHERE id=?`, id); err != nil {
			return err
		}
		return j.Repo.Events.Append(ctx, tx, events.ConsumerRemoved, events.KindConsumer, id, nil)
	})
}

func (j Journal) SaveConsumerGroup(ctx context.Context, rec registration.GroupRecord) error {
	return j.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO consumer_groups(name,status) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET status=excluded.status`, rec.Name, rec.Status.String())
		if err != nil {
			return err
		}
		return j.Repo.Events.Append(ctx, tx, events.GroupSaved, events.KindGroup, rec.Name, events.EventPayload{
			"status": rec.Status.String(),
		})
	})
}

func (j Journal) DeleteConsumerGroup(ctx context.Context, name string) error {
	return j.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM consumer_groups WHERE name=?`, name); err != nil {
			return err
		}
		return j.Repo.Events.Append(ctx, tx, events.GroupRemoved, events.KindGroup, name, nil)
	})
}

func (j Journal) SaveRegistration(ctx context.Context, rec registration.RegistrationRecord) error {
	props, err := json.Marshal(rec.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	contexts := rec.PortletContexts
	if contexts == nil {
		contexts = []wsrp.PortletContext{}
	}
	pctxts, err := json.Marshal(contexts)
	if err != nil {
		return fmt.Errorf("marshal portlet contexts: %w", err)
	}
	return j.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO registrations(key,consumer_id,handle,status,properties_json,portlet_contexts_json) VALUES (?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET consumer_id=excluded.consumer_id,handle=excluded.handle,status=excluded.status,properties_json=excluded.properties_json,portlet_contexts_json=excluded.portlet_contexts_json`,
			rec.Key, rec.ConsumerID, nullable(rec.Handle), rec.Status.String(), string(props), string(pctxts))
		if err != nil {
			return err
		}
		return j.Repo.Events.Append(ctx, tx, events.RegistrationSaved, events.KindRegistration, rec.Key, events.EventPayload{
			"consumer": rec.ConsumerID,
			"handle":   rec.Handle,
			"status":   rec.Status.String(),
		})
	})
}

func (j Journal) DeleteRegistration(ctx context.Context, key string) error {
	return j.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM registrations WHERE key=?`, key); err != nil {
			return err
		}
		return j.Repo.Events.Append(ctx, tx, events.RegistrationRemoved, events.KindRegistration, key, nil)
	})
}
