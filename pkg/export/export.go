// Package export builds hash-chained evidence packs over the append-only
// stores. A pack's chain folds every record's stored payload hash, so
// mutating any single record is detectable at the exact chain index, and
// re-running an export over identical inputs reproduces an identical root
// hash.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/canonical"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

// Schema versions. V1 covers policy, delegation, and enforcement decision
// artifacts; V2 adds shadow decisions and override cases.
const (
	SchemaV1 = "v1"
	SchemaV2 = "v2"
)

var v1Classes = []string{
	models.ClassPolicyVersion,
	models.ClassPolicyLifecycleEvent,
	models.ClassDelegationEvent,
	models.ClassEnforcementDecision,
}

var v2Classes = append(append([]string{}, v1Classes...),
	models.ClassShadowDecision,
	models.ClassShadowOverrideCase,
	models.ClassShadowCaseEvent,
)

// Request selects the export window. Zero From/To default to the trailing
// 24h ending now; SchemaVersion defaults to V2.
type Request struct {
	Source        string
	TenantID      string
	PolicyID      string
	From          time.Time
	To            time.Time
	Limit         int
	SchemaVersion string
}

// Record is one exported artifact with the stored hash the chain folds.
type Record struct {
	ArtifactID        string          `json:"artifactId"`
	ArtifactClass     string          `json:"artifactClass"`
	TenantID          string          `json:"tenantId,omitempty"`
	EventAtUTC        string          `json:"eventAtUtc"`
	PayloadHashSha256 string          `json:"payloadHashSha256"`
	Payload           json.RawMessage `json:"payload"`
}

// ChainEntry is one link in the evidence chain.
type ChainEntry struct {
	Index           int    `json:"index"`
	ArtifactID      string `json:"artifactId"`
	ChainHashSha256 string `json:"chainHashSha256"`
}

// Pack is the exported evidence bundle.
type Pack struct {
	SchemaVersion  string       `json:"schemaVersion"`
	Source         string       `json:"source,omitempty"`
	TenantID       string       `json:"tenantId,omitempty"`
	PolicyID       string       `json:"policyId,omitempty"`
	WindowFromUTC  string       `json:"windowFromUtc"`
	WindowToUTC    string       `json:"windowToUtc"`
	GeneratedAtUTC string       `json:"generatedAtUtc"`
	RecordCount    int          `json:"recordCount"`
	Records        []Record     `json:"records"`
	Chain          []ChainEntry `json:"chain"`

	// PackHashSha256 is the deterministic hash of the pack with both hash
	// fields zeroed; ExportRootHash seals the chain and the pack hash
	// together.
	PackHashSha256 string `json:"packHashSha256"`
	ExportRootHash string `json:"exportRootHash"`
}

// Exporter reads raw artifacts from the injected collection.
type Exporter struct {
	Col store.Collection
	Now func() time.Time
}

func NewExporter(col store.Collection, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{Col: col, Now: now}
}

// Export builds one evidence pack for the window.
func (e *Exporter) Export(ctx context.Context, req Request) (Pack, error) {
	now := e.Now()
	if req.To.IsZero() {
		req.To = now
	}
	if req.From.IsZero() {
		req.From = req.To.Add(-24 * time.Hour)
	}
	if !req.To.After(req.From) {
		return Pack{}, models.Validationf("toUtc must be after fromUtc")
	}
	classes, err := schemaClasses(req.SchemaVersion)
	if err != nil {
		return Pack{}, err
	}
	limit := store.ClampLimit(req.Limit)

	var arts []store.Artifact
	for _, class := range classes {
		page, err := e.Col.List(ctx, store.ListQuery{
			ArtifactClass: class,
			TenantID:      req.TenantID,
			From:          req.From,
			To:            req.To,
			Equals:        classFilter(class, req.PolicyID),
			Limit:         limit,
			Ascending:     true,
		})
		if err != nil {
			return Pack{}, fmt.Errorf("list %s: %w", class, err)
		}
		arts = append(arts, page...)
	}
	// One global chronological order across all classes, artifact ID as the
	// deterministic tie-break.
	sort.Slice(arts, func(i, j int) bool {
		if !arts[i].EventAt.Equal(arts[j].EventAt) {
			return arts[i].EventAt.Before(arts[j].EventAt)
		}
		return arts[i].ArtifactID < arts[j].ArtifactID
	})
	records := make([]Record, 0, len(arts))
	for _, a := range arts {
		records = append(records, Record{
			ArtifactID:        a.ArtifactID,
			ArtifactClass:     a.ArtifactClass,
			TenantID:          a.TenantID,
			EventAtUTC:        models.UTCString(a.EventAt),
			PayloadHashSha256: a.PayloadHash,
			Payload:           a.Payload,
		})
	}

	pack := Pack{
		SchemaVersion:  normalizeSchema(req.SchemaVersion),
		Source:         req.Source,
		TenantID:       req.TenantID,
		PolicyID:       req.PolicyID,
		WindowFromUTC:  models.UTCString(req.From),
		WindowToUTC:    models.UTCString(req.To),
		GeneratedAtUTC: models.UTCString(now),
		RecordCount:    len(records),
		Records:        records,
		Chain:          BuildChain(models.UTCString(req.From), records),
	}
	if err := seal(&pack); err != nil {
		return Pack{}, err
	}
	return pack, nil
}

// BuildChain folds the evidence chain over the records in order:
// genesis from the window start, then one link per record's payload hash.
func BuildChain(windowFromUTC string, records []Record) []ChainEntry {
	chain := make([]ChainEntry, 0, len(records))
	prev := canonical.HashString("GENESIS:" + windowFromUTC)
	for i, rec := range records {
		link := canonical.HashString(prev + ":" + rec.PayloadHashSha256)
		chain = append(chain, ChainEntry{Index: i, ArtifactID: rec.ArtifactID, ChainHashSha256: link})
		prev = link
	}
	return chain
}

// Verify recomputes every record's payload hash and the full chain and root.
// It returns the index of the first broken link, or -1 with a nil error when
// the pack is intact.
func Verify(pack Pack) (int, error) {
	for i, rec := range pack.Records {
		recomputed, err := canonical.HashJSON(rec.Payload)
		if err != nil {
			return i, fmt.Errorf("record %d (%s): %w", i, rec.ArtifactID, err)
		}
		if recomputed != rec.PayloadHashSha256 {
			return i, fmt.Errorf("record %d (%s): payload hash mismatch", i, rec.ArtifactID)
		}
	}
	chain := BuildChain(pack.WindowFromUTC, pack.Records)
	if len(chain) != len(pack.Chain) {
		return 0, fmt.Errorf("chain length mismatch: stored %d, recomputed %d", len(pack.Chain), len(chain))
	}
	for i := range chain {
		if chain[i].ChainHashSha256 != pack.Chain[i].ChainHashSha256 {
			return i, fmt.Errorf("chain diverges at index %d (%s)", i, pack.Chain[i].ArtifactID)
		}
	}
	check := pack
	if err := seal(&check); err != nil {
		return -1, err
	}
	if check.PackHashSha256 != pack.PackHashSha256 || check.ExportRootHash != pack.ExportRootHash {
		return len(chain), fmt.Errorf("export root hash mismatch")
	}
	return -1, nil
}

func seal(pack *Pack) error {
	pack.PackHashSha256 = ""
	pack.ExportRootHash = ""
	hash, err := canonical.HashValue(*pack)
	if err != nil {
		return err
	}
	last := canonical.HashString("GENESIS:" + pack.WindowFromUTC)
	if n := len(pack.Chain); n > 0 {
		last = pack.Chain[n-1].ChainHashSha256
	}
	pack.PackHashSha256 = hash
	pack.ExportRootHash = canonical.HashString(last + ":" + hash)
	return nil
}

func schemaClasses(version string) ([]string, error) {
	switch normalizeSchema(version) {
	case SchemaV1:
		return v1Classes, nil
	case SchemaV2:
		return v2Classes, nil
	default:
		return nil, models.Validationf("unknown schema version %q", version)
	}
}

func normalizeSchema(version string) string {
	if version == "" {
		return SchemaV2
	}
	return version
}

func classFilter(class, policyID string) map[string]string {
	if policyID == "" {
		return nil
	}
	switch class {
	case models.ClassPolicyVersion, models.ClassPolicyLifecycleEvent, models.ClassShadowDecision:
		return map[string]string{"policyId": policyID}
	}
	return nil
}
