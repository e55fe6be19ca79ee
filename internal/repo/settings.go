package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wsrpline/internal/events"
	"wsrpline/internal/wsrp"
)

const propertyDescriptionsKey = "registration.property_descriptions"

// GetSetting decodes the JSON value stored under key into dst.
func (r Repo) GetSetting(ctx context.Context, key string, dst any) error {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT value_json FROM settings WHERE key=?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (r Repo) PutSettingTx(ctx context.Context, tx *sql.Tx, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO settings(key,value_json,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value_json=excluded.value_json,updated_at=excluded.updated_at`,
		key, string(data), r.now().Format(time.RFC3339))
	return err
}

// PropertyDescriptions returns the registration property descriptions last in effect.
func (r Repo) PropertyDescriptions(ctx context.Context) (map[wsrp.QName]wsrp.PropertyDescription, error) {
	var descs []wsrp.PropertyDescription
	if err := r.GetSetting(ctx, propertyDescriptionsKey, &descs); err != nil {
		return nil, err
	}
	return wsrp.PropertyDescriptions(descs...), nil
}

// SavePropertyDescriptions stores descs and records the change.
func (r Repo) SavePropertyDescriptions(ctx context.Context, descs map[wsrp.QName]wsrp.PropertyDescription) error {
	names := make([]wsrp.QName, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	wsrp.SortQNames(names)
	list := make([]wsrp.PropertyDescription, 0, len(names))
	labels := make([]string, 0, len(names))
	for _, name := range names {
		list = append(list, descs[name])
		labels = append(labels, name.String())
	}
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.PutSettingTx(ctx, tx, propertyDescriptionsKey, list); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.DescriptionsChanged, events.KindSettings, propertyDescriptionsKey, events.EventPayload{
			"properties": labels,
		})
	})
}
