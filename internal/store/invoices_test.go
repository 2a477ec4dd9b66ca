package store

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"cuenly-ingest/internal/model"
)

func newTestInvoiceRepo(t *testing.T) *InvoiceRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.InvoiceHeader{}, &model.InvoiceItem{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return NewInvoiceRepository(db, zap.NewNop())
}

func docWithSource(tenant, cdc string, source model.SourceTag) *model.InvoiceDocument {
	return &model.InvoiceDocument{
		Header: model.InvoiceHeader{
			HeaderID: tenant + ":" + cdc,
			TenantID: tenant,
			CDC:      cdc,
			Source:   source,
			IssueTime: time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
		},
		Items: []model.InvoiceItem{
			{LineNumber: 1, Description: "item 1", Quantity: 1, UnitPrice: 100, Total: 100},
		},
	}
}

func TestUpsertAcceptsFirstWrite(t *testing.T) {
	r := newTestInvoiceRepo(t)
	doc := docWithSource("tenant-a", "11111111111111111111111111111111111111111111", model.SourceXMLNative)

	ok, err := r.Upsert(doc)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !ok {
		t.Fatalf("expected first write to be accepted")
	}

	got, err := r.FindByTenantAndCDC("tenant-a", doc.Header.CDC)
	if err != nil {
		t.Fatalf("FindByTenantAndCDC: %v", err)
	}
	if got.Source != model.SourceXMLNative {
		t.Fatalf("Source = %v", got.Source)
	}
}

func TestUpsertRejectsLowerPrioritySource(t *testing.T) {
	r := newTestInvoiceRepo(t)
	cdc := "22222222222222222222222222222222222222222222"

	if ok, err := r.Upsert(docWithSource("tenant-a", cdc, model.SourceXMLNative)); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	ok, err := r.Upsert(docWithSource("tenant-a", cdc, model.SourceOpenAIVision))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if ok {
		t.Fatalf("expected lower-priority OPENAI_VISION write to be rejected over existing XML_NATIVO")
	}

	got, err := r.FindByTenantAndCDC("tenant-a", cdc)
	if err != nil {
		t.Fatalf("FindByTenantAndCDC: %v", err)
	}
	if got.Source != model.SourceXMLNative {
		t.Fatalf("existing header was overwritten: Source = %v", got.Source)
	}
}

func TestUpsertAcceptsEqualOrHigherPriorityAndReplacesItems(t *testing.T) {
	r := newTestInvoiceRepo(t)
	cdc := "33333333333333333333333333333333333333333333"

	first := docWithSource("tenant-a", cdc, model.SourceOpenAIVisionImage)
	if ok, err := r.Upsert(first); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	second := docWithSource("tenant-a", cdc, model.SourceXMLNative)
	second.Items = []model.InvoiceItem{
		{LineNumber: 1, Description: "replaced item", Quantity: 2, UnitPrice: 50, Total: 100},
	}
	ok, err := r.Upsert(second)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !ok {
		t.Fatalf("expected equal-or-higher priority write to be accepted")
	}

	items, err := r.ItemsForHeader(first.Header.HeaderID)
	if err != nil {
		t.Fatalf("ItemsForHeader: %v", err)
	}
	if len(items) != 1 || items[0].Description != "replaced item" {
		t.Fatalf("expected items replaced en-bloc, got %+v", items)
	}
}

func TestUpsertIsIdempotentForIdenticalReprocessing(t *testing.T) {
	r := newTestInvoiceRepo(t)
	cdc := "44444444444444444444444444444444444444444444"
	doc := docWithSource("tenant-a", cdc, model.SourceXMLNative)

	if ok, err := r.Upsert(doc); err != nil || !ok {
		t.Fatalf("first write: ok=%v err=%v", ok, err)
	}
	replay := docWithSource("tenant-a", cdc, model.SourceXMLNative)
	ok, err := r.Upsert(replay)
	if err != nil {
		t.Fatalf("Upsert replay: %v", err)
	}
	if !ok {
		t.Fatalf("expected replaying the same source to be accepted (equal priority)")
	}

	got, err := r.FindByTenantAndCDC("tenant-a", cdc)
	if err != nil {
		t.Fatalf("FindByTenantAndCDC: %v", err)
	}
	if got.HeaderID != doc.Header.HeaderID {
		t.Fatalf("idempotent reprocessing must not create a second header: got %q want %q", got.HeaderID, doc.Header.HeaderID)
	}
}

func TestUpsertPreservesArtifactKeyWhenConsistentWithCDC(t *testing.T) {
	r := newTestInvoiceRepo(t)
	cdc := "55555555555555555555555555555555555555555555"

	first := docWithSource("tenant-a", cdc, model.SourceXMLNative)
	first.Header.ArtifactKey = "2024/owner_at_example_com/03/1030_" + cdc + ".pdf"
	if ok, err := r.Upsert(first); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	reextraction := docWithSource("tenant-a", cdc, model.SourceXMLNative)
	reextraction.Header.ArtifactKey = ""
	ok, err := r.Upsert(reextraction)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !ok {
		t.Fatalf("expected reextraction to be accepted")
	}
	if reextraction.Header.ArtifactKey != first.Header.ArtifactKey {
		t.Fatalf("expected ArtifactKey preserved as %q, got %q", first.Header.ArtifactKey, reextraction.Header.ArtifactKey)
	}

	got, err := r.FindByTenantAndCDC("tenant-a", cdc)
	if err != nil {
		t.Fatalf("FindByTenantAndCDC: %v", err)
	}
	if got.ArtifactKey != first.Header.ArtifactKey {
		t.Fatalf("persisted ArtifactKey = %q, want %q", got.ArtifactKey, first.Header.ArtifactKey)
	}
}

func TestUpsertRejectsArtifactKeyInconsistentWithCDC(t *testing.T) {
	r := newTestInvoiceRepo(t)
	cdc := "66666666666666666666666666666666666666666666"
	otherCDC := "77777777777777777777777777777777777777777777"

	first := docWithSource("tenant-a", cdc, model.SourceXMLNative)
	first.Header.ArtifactKey = "2024/owner_at_example_com/03/1030_" + otherCDC + ".pdf"
	if ok, err := r.Upsert(first); err != nil || !ok {
		t.Fatalf("seed write: ok=%v err=%v", ok, err)
	}

	reextraction := docWithSource("tenant-a", cdc, model.SourceXMLNative)
	reextraction.Header.ArtifactKey = ""
	ok, err := r.Upsert(reextraction)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !ok {
		t.Fatalf("expected reextraction to be accepted")
	}
	if reextraction.Header.ArtifactKey != "" {
		t.Fatalf("expected ArtifactKey left empty when existing key is inconsistent with cdc, got %q", reextraction.Header.ArtifactKey)
	}
}
