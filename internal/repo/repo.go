package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wsrpline/internal/events"
	"wsrpline/internal/registration"
	"wsrpline/internal/wsrp"
)

// Repo stores the producer registry, settings, saved consumer registrations and the event log.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func (r Repo) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// WithTx runs fn in a transaction and commits when it returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadSnapshot reads the whole producer registry.
func (r Repo) LoadSnapshot(ctx context.Context) (registration.Snapshot, error) {
	var snap registration.Snapshot

	rows, err := r.DB.QueryContext(ctx, `SELECT name,status FROM consumer_groups ORDER BY name`)
	if err != nil {
		return snap, err
	}
	for rows.Next() {
		var rec registration.GroupRecord
		var status string
		if err := rows.Scan(&rec.Name, &status); err != nil {
			rows.Close()
			return snap, err
		}
		if rec.Status, err = registration.ParseStatus(status); err != nil {
			rows.Close()
			return snap, fmt.Errorf("group %s: %w", rec.Name, err)
		}
		snap.Groups = append(snap.Groups, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, err
	}

	consumers, err := r.ListConsumerRecords(ctx)
	if err != nil {
		return snap, err
	}
	snap.Consumers = consumers

	rows, err = r.DB.QueryContext(ctx, `SELECT key,consumer_id,COALESCE(handle,''),status,properties_json,portlet_contexts_json FROM registrations ORDER BY key`)
	if err != nil {
		return snap, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec                   registration.RegistrationRecord
			status, props, pctxts string
		)
		if err := rows.Scan(&rec.Key, &rec.ConsumerID, &rec.Handle, &status, &props, &pctxts); err != nil {
			return snap, err
		}
		if rec.Status, err = registration.ParseStatus(status); err != nil {
			return snap, fmt.Errorf("registration %s: %w", rec.Key, err)
		}
		if err := json.Unmarshal([]byte(props), &rec.Properties); err != nil {
			return snap, fmt.Errorf("registration %s properties: %w", rec.Key, err)
		}
		if rec.Properties == nil {
			rec.Properties = map[wsrp.QName]any{}
		}
		if err := json.Unmarshal([]byte(pctxts), &rec.PortletContexts); err != nil {
			return snap, fmt.Errorf("registration %s portlet contexts: %w", rec.Key, err)
		}
		snap.Registrations = append(snap.Registrations, rec)
	}
	return snap, rows.Err()
}

// ListConsumerRecords returns the stored consumers ordered by name.
func (r Repo) ListConsumerRecords(ctx context.Context) ([]registration.ConsumerRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(agent,''),status,COALESCE(group_name,''),capabilities_json FROM consumers ORDER BY name,id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []registration.ConsumerRecord
	for rows.Next() {
		rec, err := scanConsumer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// GetConsumerRecord returns one stored consumer.
func (r Repo) GetConsumerRecord(ctx context.Context, id string) (registration.ConsumerRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,COALESCE(agent,''),status,COALESCE(group_name,''),capabilities_json FROM consumers WHERE id=?`, id)
	rec, err := scanConsumer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConsumer(s scanner) (registration.ConsumerRecord, error) {
	var (
		rec          registration.ConsumerRecord
		status, caps string
	)
	if err := s.Scan(&rec.ID, &rec.Name, &rec.Agent, &status, &rec.Group, &caps); err != nil {
		return rec, err
	}
	var err error
	if rec.Status, err = registration.ParseStatus(status); err != nil {
		return rec, fmt.Errorf("consumer %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(caps), &rec.Capabilities); err != nil {
		return rec, fmt.Errorf("consumer %s capabilities: %w", rec.ID, err)
	}
	return rec, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
