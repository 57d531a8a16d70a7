package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/canonical"
	"github.com/RedRooEnergy/authority-engine/pkg/delegation"
	"github.com/RedRooEnergy/authority-engine/pkg/models"
	"github.com/RedRooEnergy/authority-engine/pkg/policystore"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowstore"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
)

var exportFrom = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func seedEvidence(t *testing.T) *store.MemCollection {
	t.Helper()
	ctx := context.Background()
	col := store.NewMemCollection()
	clock := func() time.Time { return exportFrom.Add(time.Minute) }

	policies := policystore.New(col, clock)
	ver, _, err := policies.RegisterVersion(ctx, policystore.RegisterVersionInput{
		TenantID: "tenant-a", PolicyID: "p1", SchemaVersion: "v1",
		Document: json.RawMessage(`{"resource":"orders","action":"approve","allowRoles":["manager"]}`),
		Actor:    "admin",
	})
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	_, _, err = policies.AppendLifecycleEvent(ctx, policystore.LifecycleInput{
		TenantID: "tenant-a", PolicyID: "p1",
		PolicyVersionHash: ver.PolicyVersionHash,
		LifecycleState:    models.LifecycleActive, Actor: "admin",
		EventAt: exportFrom.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed lifecycle: %v", err)
	}

	delegations := delegation.New(col, clock)
	scope, _ := canonical.HashValue("scope")
	_, _, err = delegations.AppendEvent(ctx, delegation.AppendEventInput{
		TenantID:   "tenant-a",
		EventType:  models.DelegationGranted,
		GrantorID:  "grantor-1",
		GranteeID:  "grantee-1",
		Resource:   "orders",
		Action:     "approve",
		ScopeHash:  scope,
		ApprovalID: "approval-1",
		ValidFrom:  exportFrom,
		ValidTo:    exportFrom.Add(48 * time.Hour),
		EventAt:    exportFrom.Add(3 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed delegation: %v", err)
	}

	shadow := shadowstore.New(col, clock)
	req := models.EvaluationRequest{
		TenantID: "tenant-a", PolicyID: "p1",
		SubjectActorID: "subject-1", RequestActorID: "requester-1",
		Resource: "orders", Action: "approve",
		DecidedAtUTC: models.UTCString(exportFrom.Add(4 * time.Minute)),
	}
	res := models.EvaluationResult{
		WouldDecision: models.WouldBlock,
		ReasonCodes:   []string{models.ReasonRequestRoleNotAllowed},
	}
	res.EvaluationPayloadHash, _ = canonical.HashValue("shadow-run")
	dec, _, err := shadow.AppendDecision(ctx, req, res)
	if err != nil {
		t.Fatalf("seed shadow decision: %v", err)
	}
	if _, _, err := shadow.OpenOrGetCase(ctx, dec); err != nil {
		t.Fatalf("seed case: %v", err)
	}
	return col
}

func exportWindow() Request {
	return Request{
		Source:   "conformance",
		TenantID: "tenant-a",
		From:     exportFrom,
		To:       exportFrom.Add(time.Hour),
	}
}

func TestExportReproducible(t *testing.T) {
	col := seedEvidence(t)
	ex := NewExporter(col, func() time.Time { return exportFrom.Add(2 * time.Hour) })

	first, err := ex.Export(context.Background(), exportWindow())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	second, err := ex.Export(context.Background(), exportWindow())
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	if first.ExportRootHash == "" || first.ExportRootHash != second.ExportRootHash {
		t.Fatalf("root hash not reproducible: %s vs %s", first.ExportRootHash, second.ExportRootHash)
	}
	if first.RecordCount == 0 || first.RecordCount != len(first.Records) || len(first.Chain) != first.RecordCount {
		t.Fatalf("pack shape: count=%d records=%d chain=%d", first.RecordCount, len(first.Records), len(first.Chain))
	}
	if idx, err := Verify(first); idx != -1 || err != nil {
		t.Fatalf("fresh pack failed verification at %d: %v", idx, err)
	}
}

func TestExportGlobalChronologicalOrder(t *testing.T) {
	col := seedEvidence(t)
	ex := NewExporter(col, func() time.Time { return exportFrom.Add(2 * time.Hour) })
	pack, err := ex.Export(context.Background(), exportWindow())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for i := 1; i < len(pack.Records); i++ {
		prev, cur := pack.Records[i-1], pack.Records[i]
		if prev.EventAtUTC > cur.EventAtUTC {
			t.Fatalf("records out of order at %d: %s after %s", i, cur.EventAtUTC, prev.EventAtUTC)
		}
		if prev.EventAtUTC == cur.EventAtUTC && prev.ArtifactID >= cur.ArtifactID {
			t.Fatalf("tie-break violated at %d", i)
		}
	}
	for i, link := range pack.Chain {
		if link.Index != i || link.ArtifactID != pack.Records[i].ArtifactID {
			t.Fatalf("chain entry %d does not track record order", i)
		}
	}
}

func TestExportSchemaVersions(t *testing.T) {
	col := seedEvidence(t)
	ex := NewExporter(col, func() time.Time { return exportFrom.Add(2 * time.Hour) })

	reqV1 := exportWindow()
	reqV1.SchemaVersion = SchemaV1
	v1, err := ex.Export(context.Background(), reqV1)
	if err != nil {
		t.Fatalf("export v1: %v", err)
	}
	v2, err := ex.Export(context.Background(), exportWindow())
	if err != nil {
		t.Fatalf("export v2: %v", err)
	}
	if v2.SchemaVersion != SchemaV2 {
		t.Fatalf("default schema = %s", v2.SchemaVersion)
	}
	for _, rec := range v1.Records {
		switch rec.ArtifactClass {
		case models.ClassShadowDecision, models.ClassShadowOverrideCase, models.ClassShadowCaseEvent:
			t.Fatalf("v1 pack leaked class %s", rec.ArtifactClass)
		}
	}
	if len(v2.Records) <= len(v1.Records) {
		t.Fatalf("v2 must add shadow classes: v1=%d v2=%d", len(v1.Records), len(v2.Records))
	}

	bad := exportWindow()
	bad.SchemaVersion = "v9"
	if _, err := ex.Export(context.Background(), bad); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("unknown schema: %v", err)
	}
}

func TestVerifyDetectsRecordTamper(t *testing.T) {
	col := seedEvidence(t)
	ex := NewExporter(col, func() time.Time { return exportFrom.Add(2 * time.Hour) })
	pack, err := ex.Export(context.Background(), exportWindow())
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	tampered := pack
	tampered.Records = append([]Record{}, pack.Records...)
	victim := len(tampered.Records) - 1
	tampered.Records[victim].Payload = json.RawMessage(
		strings.Replace(string(tampered.Records[victim].Payload), "tenant-a", "tenant-b", 1))
	idx, err := Verify(tampered)
	if err == nil || idx != victim {
		t.Fatalf("tamper at %d reported idx=%d err=%v", victim, idx, err)
	}
}

func TestVerifyDetectsChainTamper(t *testing.T) {
	col := seedEvidence(t)
	ex := NewExporter(col, func() time.Time { return exportFrom.Add(2 * time.Hour) })
	pack, err := ex.Export(context.Background(), exportWindow())
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	tampered := pack
	tampered.Chain = append([]ChainEntry{}, pack.Chain...)
	tampered.Chain[1].ChainHashSha256 = canonical.HashString("forged")
	idx, err := Verify(tampered)
	if err == nil || idx != 1 {
		t.Fatalf("chain tamper reported idx=%d err=%v", idx, err)
	}
}

func TestVerifyDetectsRootTamper(t *testing.T) {
	col := seedEvidence(t)
	ex := NewExporter(col, func() time.Time { return exportFrom.Add(2 * time.Hour) })
	pack, err := ex.Export(context.Background(), exportWindow())
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	tampered := pack
	tampered.GeneratedAtUTC = models.UTCString(exportFrom.Add(3 * time.Hour))
	idx, err := Verify(tampered)
	if err == nil || idx != len(pack.Chain) {
		t.Fatalf("root tamper reported idx=%d err=%v", idx, err)
	}
}

func TestExportWindowValidation(t *testing.T) {
	ex := NewExporter(store.NewMemCollection(), nil)
	_, err := ex.Export(context.Background(), Request{From: exportFrom.Add(time.Hour), To: exportFrom})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("inverted window: %v", err)
	}
}

func TestBuildChainGenesisDependsOnWindow(t *testing.T) {
	rec := Record{ArtifactID: "a", PayloadHashSha256: canonical.HashString("p")}
	c1 := BuildChain("2026-07-01T00:00:00Z", []Record{rec})
	c2 := BuildChain("2026-07-02T00:00:00Z", []Record{rec})
	if c1[0].ChainHashSha256 == c2[0].ChainHashSha256 {
		t.Fatalf("genesis must bind the window start")
	}
	if len(BuildChain("2026-07-01T00:00:00Z", nil)) != 0 {
		t.Fatalf("empty window must produce an empty chain")
	}
}
