package knowledge_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/knowledge"
	"github.com/basket/foreman/internal/otel"
)

func openStore(t *testing.T, opts knowledge.Options) *knowledge.Store {
	t.Helper()
	store, err := knowledge.Open(filepath.Join(t.TempDir(), "knowledge.db"), opts)
	if err != nil {
		t.Fatalf("open knowledge store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// longDocument builds a ~1200-word document whose middle section carries a
// distinctive phrase, so exactly one chunk should dominate retrieval.
func longDocument() string {
	words := make([]string, 1200)
	for i := range words {
		words[i] = fmt.Sprintf("w%02d", i%37)
	}
	phrase := []string{"ballast", "regulator", "manifest"}
	for i := 600; i < 645; i++ {
		words[i] = phrase[i%3]
	}
	return strings.Join(words, " ")
}

func TestIngestAndRetrieve(t *testing.T) {
	store := openStore(t, knowledge.Options{ChunkTokens: 500})
	ctx := context.Background()

	if err := store.Ingest(ctx, "handbook", longDocument()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	n, err := store.ChunkCount(ctx)
	if err != nil {
		t.Fatalf("chunk count: %v", err)
	}
	if n < 2 {
		t.Fatalf("1200-word document must produce at least 2 chunks, got %d", n)
	}

	results, err := store.Query(ctx, "ballast regulator manifest", 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if !strings.Contains(results[0].Text, "ballast") {
		t.Fatalf("top result should contain the distinctive phrase, got %.80q", results[0].Text)
	}
	if results[0].Score <= 0 {
		t.Fatalf("top result score should be positive, got %f", results[0].Score)
	}
}

func TestQueryDeterministicWhenKExceedsChunks(t *testing.T) {
	store := openStore(t, knowledge.Options{ChunkTokens: 500})
	ctx := context.Background()

	if err := store.Ingest(ctx, "handbook", longDocument()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	total, _ := store.ChunkCount(ctx)

	first, err := store.Query(ctx, "regulator", 20)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if int64(len(first)) != total {
		t.Fatalf("k beyond corpus should return all %d chunks, got %d", total, len(first))
	}

	second, err := store.Query(ctx, "regulator", 20)
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("result counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("ranking not deterministic at position %d: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestQueryEmptyStore(t *testing.T) {
	store := openStore(t, knowledge.Options{})
	results, err := store.Query(context.Background(), "anything", 10)
	if err != nil {
		t.Fatalf("query on empty store must not error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("want no results, got %d", len(results))
	}
}

func TestIngestEmptyDocument(t *testing.T) {
	store := openStore(t, knowledge.Options{})
	err := store.Ingest(context.Background(), "blank", "   \n\t ")
	if !errors.Is(err, knowledge.ErrEmptyInput) {
		t.Fatalf("want ErrEmptyInput, got %v", err)
	}
}

func TestReingestRetiresPreviousVersion(t *testing.T) {
	store := openStore(t, knowledge.Options{ChunkTokens: 50})
	ctx := context.Background()

	if err := store.Ingest(ctx, "notes", "the quick brown fox jumped over the lazy dog"); err != nil {
		t.Fatalf("ingest v1: %v", err)
	}
	if err := store.Ingest(ctx, "notes", "completely different content about submarine cables"); err != nil {
		t.Fatalf("ingest v2: %v", err)
	}

	results, err := store.Query(ctx, "quick brown fox", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, r := range results {
		if strings.Contains(r.Text, "fox") {
			t.Fatalf("retired version still queryable: %q", r.Text)
		}
	}

	results, err = store.Query(ctx, "submarine cables", 10)
	if err != nil {
		t.Fatalf("query v2: %v", err)
	}
	if len(results) == 0 || !strings.Contains(results[0].Text, "submarine") {
		t.Fatal("active version not queryable")
	}
}

func TestRetract(t *testing.T) {
	store := openStore(t, knowledge.Options{ChunkTokens: 50})
	ctx := context.Background()

	if err := store.Ingest(ctx, "scratch", "temporary working notes about the migration"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := store.Retract(ctx, "scratch"); err != nil {
		t.Fatalf("retract: %v", err)
	}
	n, err := store.ChunkCount(ctx)
	if err != nil {
		t.Fatalf("chunk count: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0 chunks after retract, got %d", n)
	}
}

func TestGCRemovesRetiredVersions(t *testing.T) {
	eventBus := bus.New()
	store := openStore(t, knowledge.Options{ChunkTokens: 50, Bus: eventBus})
	ctx := context.Background()

	sub := eventBus.Subscribe(bus.TopicChunksRetired)
	defer eventBus.Unsubscribe(sub)

	if err := store.Ingest(ctx, "doc", "first version body text"); err != nil {
		t.Fatalf("ingest v1: %v", err)
	}
	if err := store.Ingest(ctx, "doc", "second version body text"); err != nil {
		t.Fatalf("ingest v2: %v", err)
	}

	// Negative retention puts the cutoff in the future: every retired
	// version qualifies immediately.
	removed, err := store.GC(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if removed == 0 {
		t.Fatal("gc should remove the retired version's chunks")
	}

	select {
	case ev := <-sub.Ch():
		retired, ok := ev.Payload.(bus.ChunksRetiredEvent)
		if !ok {
			t.Fatalf("want ChunksRetiredEvent payload, got %T", ev.Payload)
		}
		if retired.Removed != removed {
			t.Fatalf("event reports %d removed, gc returned %d", retired.Removed, removed)
		}
	default:
		t.Fatal("gc pass published no retirement event")
	}

	// The active version is untouched.
	results, err := store.Query(ctx, "second version", 10)
	if err != nil || len(results) == 0 {
		t.Fatalf("active version lost after gc: %v (%d results)", err, len(results))
	}
}

func TestIngestRecordsChunkMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	metrics, err := otel.NewMetrics(meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	store := openStore(t, knowledge.Options{ChunkTokens: 500, Metrics: metrics})
	ctx := context.Background()

	if err := store.Ingest(ctx, "handbook", longDocument()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	chunks, err := store.ChunkCount(ctx)
	if err != nil {
		t.Fatalf("chunk count: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	var recorded int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "foreman.knowledge.chunks" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("want int64 sum, got %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				recorded += dp.Value
			}
		}
	}
	if recorded != chunks {
		t.Fatalf("want %d chunks recorded, got %d", chunks, recorded)
	}
}
