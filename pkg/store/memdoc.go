package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemCollection is an in-memory Collection with the same insert-or-get and
// ordering semantics as PGCollection. Used by tests and by the guard CLI's
// local snapshot mode.
type MemCollection struct {
	mu        sync.RWMutex
	byID      map[string]Artifact
	byIdemKey map[string]string
}

func NewMemCollection() *MemCollection {
	return &MemCollection{
		byID:      map[string]Artifact{},
		byIdemKey: map[string]string{},
	}
}

func (m *MemCollection) InsertOrGet(_ context.Context, a Artifact) (Artifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byIdemKey[a.IdempotencyKey]; ok {
		return m.byID[id], false, nil
	}
	if existing, ok := m.byID[a.ArtifactID]; ok {
		return existing, false, nil
	}
	a.EventAt = a.EventAt.UTC()
	m.byID[a.ArtifactID] = a
	m.byIdemKey[a.IdempotencyKey] = a.ArtifactID
	return a, true, nil
}

func (m *MemCollection) GetByArtifactID(_ context.Context, artifactID string) (Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[artifactID]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return a, nil
}

func (m *MemCollection) List(_ context.Context, q ListQuery) ([]Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Artifact
	for _, a := range m.byID {
		if !matches(a, q) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Ascending {
			if !out[i].EventAt.Equal(out[j].EventAt) {
				return out[i].EventAt.Before(out[j].EventAt)
			}
			return out[i].ArtifactID < out[j].ArtifactID
		}
		if !out[i].EventAt.Equal(out[j].EventAt) {
			return out[i].EventAt.After(out[j].EventAt)
		}
		return out[i].ArtifactID > out[j].ArtifactID
	})
	limit := ClampLimit(q.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(a Artifact, q ListQuery) bool {
	if a.ArtifactClass != q.ArtifactClass {
		return false
	}
	if q.TenantID != "" && a.TenantID != q.TenantID {
		return false
	}
	if !q.From.IsZero() && a.EventAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && a.EventAt.After(q.To) {
		return false
	}
	if len(q.Equals) == 0 {
		return true
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(a.Payload, &fields); err != nil {
		return false
	}
	for field, want := range q.Equals {
		got, ok := fields[field]
		if !ok {
			return false
		}
		s, ok := got.(string)
		if !ok || s != want {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every stored artifact in chronological order.
func (m *MemCollection) Snapshot() []Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Artifact, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventAt.Equal(out[j].EventAt) {
			return out[i].EventAt.Before(out[j].EventAt)
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})
	return out
}
