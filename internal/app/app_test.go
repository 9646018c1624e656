package app

import (
	"context"
	"testing"
	"time"

	"github.com/cain76/finderskeepers-v2-sub003/internal/config"
	"github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"
)

func memoryConfig() *config.Config {
	return &config.Config{
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresUser:    "finderskeepers",
		PostgresDBName:  "finderskeepers",
		PostgresSSLMode: "disable",
		Embedder: config.EmbedderConfig{
			Model:     "mxbai-embed-large",
			Dimension: 1024,
		},
		Retry: config.RetryConfig{
			MaxRetries:      2,
			InitialInterval: 100 * time.Millisecond,
			Multiplier:      4.0,
		},
		Collections: []config.CollectionConfig{
			{Name: "docs", Dimension: 1024, Backend: config.BackendMemory, FilterKeys: []string{"lang"}},
			{Name: "notes", Dimension: 1024, Backend: config.BackendMemory},
		},
	}
}

// Memory-backed collections need no external services, so the full assembly
// path is testable without containers.
func TestNewAssemblesMemoryBackends(t *testing.T) {
	app, cleanup, err := New(context.Background(), memoryConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer cleanup()

	if app.Pool != nil {
		t.Error("Pool != nil without a postgres collection")
	}
	for _, name := range []string{"docs", "notes"} {
		store, err := app.Hub.Store(name)
		if err != nil {
			t.Fatalf("Store(%s) error = %v", name, err)
		}
		if store.Collection().Dimension != 1024 {
			t.Errorf("collection %s dimension = %d", name, store.Collection().Dimension)
		}
	}

	// Direct store access works end to end.
	store, _ := app.Hub.Store("docs")
	rec := retrieval.Record{ID: "r1", Content: "hello", Vector: make([]float32, 1024)}
	rec.Vector[0] = 1
	if err := store.Put(context.Background(), rec, retrieval.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	matches, err := app.Hub.SearchVector(context.Background(), "docs", rec.Vector)
	if err != nil {
		t.Fatalf("SearchVector() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Record.ID != "r1" {
		t.Errorf("SearchVector() = %v, want exactly r1", matches)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Collections[0].Backend = "sqlite"

	if _, _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("New() error = nil, want config rejection")
	}
}

func TestNewRejectsEmbedderCollectionMismatch(t *testing.T) {
	cfg := memoryConfig()
	cfg.Collections[0].Dimension = 768 // embedder produces 1024

	if _, _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("New() error = nil, want dimension mismatch at registration")
	}
}
