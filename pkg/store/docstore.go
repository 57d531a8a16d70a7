// Package store provides the append-only, uniquely-indexed artifact
// collection all authority records live in, plus the Postgres and Redis
// bootstrap shared by every binary.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MaxPageSize clamps every windowed list read.
const MaxPageSize = 5000

// ErrNotFound is returned when a lookup matches no artifact.
var ErrNotFound = errors.New("artifact not found")

// Artifact is the storage envelope for one immutable record. Payload is the
// canonical JSON the artifact ID was derived from; hashing it again must
// reproduce PayloadHash.
type Artifact struct {
	ArtifactID     string
	IdempotencyKey string
	ArtifactClass  string
	TenantID       string
	PayloadHash    string
	Payload        json.RawMessage
	EventAt        time.Time
}

// ListQuery is a time-windowed, field-filtered read. Equals filters match
// top-level payload fields by string value.
type ListQuery struct {
	ArtifactClass string
	TenantID      string
	From          time.Time
	To            time.Time
	Equals        map[string]string
	Limit         int
	// Ascending orders by event time ascending (export); the default is
	// descending. Artifact ID is always the tie-break, same direction.
	Ascending bool
}

// Collection is the injected store accessor. Writers perform an optimistic
// insert; on a uniqueness collision they read back the existing artifact and
// report created=false. Safe under arbitrary concurrent duplicate submissions
// because equal canonical payloads always derive equal keys.
type Collection interface {
	InsertOrGet(ctx context.Context, a Artifact) (Artifact, bool, error)
	GetByArtifactID(ctx context.Context, artifactID string) (Artifact, error)
	List(ctx context.Context, q ListQuery) ([]Artifact, error)
}

// ClampLimit normalizes a caller-supplied page size into [1, MaxPageSize].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return MaxPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

type docDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGCollection stores artifacts in the authority_artifacts table. Uniqueness
// on artifact_id (primary key) and idempotency_key carries all concurrency
// correctness; there are no transactions and no in-process locks.
type PGCollection struct {
	DB docDB
}

func NewPGCollection(db docDB) *PGCollection {
	return &PGCollection{DB: db}
}

func (c *PGCollection) InsertOrGet(ctx context.Context, a Artifact) (Artifact, bool, error) {
	if a.ArtifactID == "" || a.IdempotencyKey == "" || a.ArtifactClass == "" {
		return Artifact{}, false, errors.New("artifact id, idempotency key and class required")
	}
	tag, err := c.DB.Exec(ctx, `
		INSERT INTO authority_artifacts
		(artifact_id, idempotency_key, artifact_class, tenant_id, payload_hash, payload, event_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT DO NOTHING
	`, a.ArtifactID, a.IdempotencyKey, a.ArtifactClass, a.TenantID, a.PayloadHash, a.Payload, a.EventAt.UTC())
	if err != nil {
		return Artifact{}, false, fmt.Errorf("insert artifact: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}
	existing, err := c.getBy(ctx, "idempotency_key", a.IdempotencyKey)
	if err != nil {
		return Artifact{}, false, fmt.Errorf("read back after conflict: %w", err)
	}
	return existing, false, nil
}

func (c *PGCollection) GetByArtifactID(ctx context.Context, artifactID string) (Artifact, error) {
	return c.getBy(ctx, "artifact_id", artifactID)
}

func (c *PGCollection) getBy(ctx context.Context, column, value string) (Artifact, error) {
	row := c.DB.QueryRow(ctx, `
		SELECT artifact_id, idempotency_key, artifact_class, tenant_id, payload_hash, payload, event_at
		FROM authority_artifacts WHERE `+column+`=$1
	`, value)
	var a Artifact
	if err := row.Scan(&a.ArtifactID, &a.IdempotencyKey, &a.ArtifactClass, &a.TenantID, &a.PayloadHash, &a.Payload, &a.EventAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}
	return a, nil
}

func (c *PGCollection) List(ctx context.Context, q ListQuery) ([]Artifact, error) {
	sql := `
		SELECT artifact_id, idempotency_key, artifact_class, tenant_id, payload_hash, payload, event_at
		FROM authority_artifacts WHERE artifact_class=$1`
	args := []any{q.ArtifactClass}
	if q.TenantID != "" {
		args = append(args, q.TenantID)
		sql += fmt.Sprintf(" AND tenant_id=$%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		sql += fmt.Sprintf(" AND event_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		sql += fmt.Sprintf(" AND event_at <= $%d", len(args))
	}
	for _, kv := range sortedEquals(q.Equals) {
		if !isPayloadField(kv.field) {
			return nil, fmt.Errorf("invalid payload filter field %q", kv.field)
		}
		args = append(args, kv.value)
		sql += fmt.Sprintf(" AND payload->>'%s' = $%d", kv.field, len(args))
	}
	if q.Ascending {
		sql += " ORDER BY event_at ASC, artifact_id ASC"
	} else {
		sql += " ORDER BY event_at DESC, artifact_id DESC"
	}
	args = append(args, ClampLimit(q.Limit))
	sql += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := c.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ArtifactID, &a.IdempotencyKey, &a.ArtifactClass, &a.TenantID, &a.PayloadHash, &a.Payload, &a.EventAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type equalsFilter struct {
	field string
	value string
}

// sortedEquals iterates filters in a stable order so generated SQL is
// deterministic for identical queries.
func sortedEquals(m map[string]string) []equalsFilter {
	fields := make([]string, 0, len(m))
	for k := range m {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	out := make([]equalsFilter, 0, len(fields))
	for _, f := range fields {
		out = append(out, equalsFilter{field: f, value: m[f]})
	}
	return out
}

// isPayloadField accepts only simple identifier-like JSON field names.
func isPayloadField(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}
