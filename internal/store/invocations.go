package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-runtime/internal/actor"
)

var ErrNotFound = errors.New("invocation not found")

// InvocationRecord is one journaled invocation.
type InvocationRecord struct {
	actor.Invocation
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// RecordInvoke journals a new invocation.
func (s *Store) RecordInvoke(ctx context.Context, inv *actor.Invocation) error {
	params, err := json.Marshal(paramsOrEmpty(inv.Params))
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO invocations (instance_id, command, skill_key, params, invoked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO NOTHING`,
		inv.ID, inv.Command, inv.Skill, params, inv.InvokedAt,
	)
	if err != nil {
		return fmt.Errorf("record invoke: %w", err)
	}
	return nil
}

// RecordRevoke stamps the revocation time of an invocation.
func (s *Store) RecordRevoke(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE invocations SET revoked_at = $2
		WHERE instance_id = $1 AND revoked_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("record revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// GetInvocation returns the journal entry for one instance.
func (s *Store) GetInvocation(ctx context.Context, id string) (*InvocationRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT instance_id, command, skill_key, params, invoked_at, revoked_at
		FROM invocations WHERE instance_id = $1`, id)
	rec, err := scanInvocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// ListInvocations returns the most recent journal entries, newest first.
func (s *Store) ListInvocations(ctx context.Context, limit int) ([]*InvocationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT instance_id, command, skill_key, params, invoked_at, revoked_at
		FROM invocations
		ORDER BY invoked_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var records []*InvocationRecord
	for rows.Next() {
		rec, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanInvocation(row pgx.Row) (*InvocationRecord, error) {
	var (
		rec    InvocationRecord
		params []byte
	)
	if err := row.Scan(&rec.ID, &rec.Command, &rec.Skill, &params, &rec.InvokedAt, &rec.RevokedAt); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	return &rec, nil
}

func paramsOrEmpty(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}
