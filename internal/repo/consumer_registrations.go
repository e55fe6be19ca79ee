package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wsrpline/internal/consumer"
	"wsrpline/internal/events"
)

// SavedRegistration is the consumer-side registration held for one remote producer.
type SavedRegistration struct {
	ProducerID string
	Record     consumer.Record
	UpdatedAt  string
}

func (r Repo) SaveConsumerRegistration(ctx context.Context, producerID string, rec consumer.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal registration for %s: %w", producerID, err)
	}
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO consumer_registrations(producer_id,record_json,updated_at) VALUES (?,?,?)
ON CONFLICT(producer_id) DO UPDATE SET record_json=excluded.record_json,updated_at=excluded.updated_at`,
			producerID, string(data), r.now().Format(time.RFC3339))
		if err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.ProducerRefreshed, events.KindProducer, producerID, events.EventPayload{
			"handle":     rec.Handle,
			"properties": len(rec.Properties),
		})
	})
}

func (r Repo) GetConsumerRegistration(ctx context.Context, producerID string) (consumer.Record, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT record_json FROM consumer_registrations WHERE producer_id=?`, producerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return consumer.Record{}, ErrNotFound
	}
	if err != nil {
		return consumer.Record{}, err
	}
	var rec consumer.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return consumer.Record{}, fmt.Errorf("registration for %s: %w", producerID, err)
	}
	return rec, nil
}

func (r Repo) ListConsumerRegistrations(ctx context.Context) ([]SavedRegistration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT producer_id,record_json,updated_at FROM consumer_registrations ORDER BY producer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SavedRegistration
	for rows.Next() {
		var (
			s   SavedRegistration
			raw string
		)
		if err := rows.Scan(&s.ProducerID, &raw, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &s.Record); err != nil {
			return nil, fmt.Errorf("registration for %s: %w", s.ProducerID, err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteConsumerRegistration(ctx context.Context, producerID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM consumer_registrations WHERE producer_id=?`, producerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
