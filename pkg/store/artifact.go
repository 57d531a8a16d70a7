package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/canonical"
)

// ArtifactSpec describes how one record maps onto the store envelope.
//
// KeyFields plus IdentityHash define the record's identity: the artifact ID
// and idempotency key are derived from them, so concurrent writers holding
// the same logical record always collide onto one row. IdentityHash is the
// class-specific content hash (e.g. the policy document hash); leave it empty
// when the key fields alone define identity, or when the whole canonical
// payload does (the computed payload hash is used then, via WholePayload).
type ArtifactSpec struct {
	Class        string
	TenantID     string
	KeyFields    []string
	IdentityHash string
	WholePayload bool
	Payload      any
	EventAt      time.Time
}

// BuildArtifact canonicalizes the payload, computes its tamper-evidence hash,
// and derives the content-addressed artifact ID and idempotency key.
func BuildArtifact(spec ArtifactSpec) (Artifact, error) {
	raw, err := json.Marshal(spec.Payload)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal %s payload: %w", spec.Class, err)
	}
	canon, err := canonical.CanonicalizeJSON(raw)
	if err != nil {
		return Artifact{}, fmt.Errorf("canonicalize %s payload: %w", spec.Class, err)
	}
	payloadHash, err := canonical.HashJSON(canon)
	if err != nil {
		return Artifact{}, fmt.Errorf("hash %s payload: %w", spec.Class, err)
	}
	identity := spec.IdentityHash
	if spec.WholePayload {
		identity = payloadHash
	}
	return Artifact{
		ArtifactID:     canonical.ArtifactID(spec.Class, spec.TenantID, spec.KeyFields, identity),
		IdempotencyKey: canonical.IdempotencyKey(spec.Class, spec.TenantID, spec.KeyFields, identity),
		ArtifactClass:  spec.Class,
		TenantID:       spec.TenantID,
		PayloadHash:    payloadHash,
		Payload:        canon,
		EventAt:        spec.EventAt.UTC(),
	}, nil
}
