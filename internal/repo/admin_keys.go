package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"wsrpline/internal/events"
)

// AdminKey is a stored admin API key. Only the hash of the key is kept.
type AdminKey struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"-"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at"`
}

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAdminKey stores key. KeyHash must already contain the hashed value.
func (r Repo) InsertAdminKey(ctx context.Context, key AdminKey) (AdminKey, error) {
	if key.ID == "" {
		return AdminKey{}, errors.New("id required")
	}
	if key.KeyHash == "" {
		return AdminKey{}, errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = r.now().Format(time.RFC3339)
	}
	if key.Permissions == nil {
		key.Permissions = []string{}
	}
	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return AdminKey{}, err
	}
	err = r.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO admin_keys(id, name, key_hash, permissions_json, created_at) VALUES (?,?,?,?,?)`,
			key.ID, nullable(key.Name), key.KeyHash, string(perms), key.CreatedAt); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.AdminKeyCreated, events.KindAdminKey, key.ID, events.EventPayload{
			"name":        key.Name,
			"permissions": key.Permissions,
		})
	})
	if err != nil {
		return AdminKey{}, err
	}
	return key, nil
}

// AdminKeyByHash returns the key whose hash is hash.
func (r Repo) AdminKeyByHash(ctx context.Context, hash string) (AdminKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, COALESCE(name,''), key_hash, permissions_json, created_at FROM admin_keys WHERE key_hash=? LIMIT 1`, hash)
	key, err := scanAdminKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminKey{}, ErrNotFound
	}
	return key, err
}

// ListAdminKeys returns every admin key, newest first.
func (r Repo) ListAdminKeys(ctx context.Context) ([]AdminKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(name,''), key_hash, permissions_json, created_at FROM admin_keys ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []AdminKey
	for rows.Next() {
		key, err := scanAdminKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAdminKey revokes the key with id.
func (r Repo) DeleteAdminKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM admin_keys WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return r.Events.Append(ctx, tx, events.AdminKeyRevoked, events.KindAdminKey, id, nil)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdminKey(row rowScanner) (AdminKey, error) {
	var key AdminKey
	var perms string
	if err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &perms, &key.CreatedAt); err != nil {
		return AdminKey{}, err
	}
	if err := json.Unmarshal([]byte(perms), &key.Permissions); err != nil {
		return AdminKey{}, err
	}
	return key, nil
}
