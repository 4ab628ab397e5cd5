package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/coffer-io/coffer/core/infra/config"
	"github.com/coffer-io/coffer/core/manifest"
)

// Seeds a manifest store with aged entries so a running sweeper has
// something to delete. The engine stamps entries with the current time, so
// retention testing needs backdated data written directly to the store.
func main() {
	count := flag.Int("count", 5, "entries to write")
	age := flag.Duration("age", 30*24*time.Hour, "age of the oldest entry")
	backendName := flag.String("backend", "pg-main", "backend name for the entries")
	kind := flag.String("kind", string(manifest.KindDatabase), "artifact kind")
	flag.Parse()
	if *count <= 0 {
		log.Fatalf("count must be positive, got %d", *count)
	}

	cfg := config.Load()
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open manifest store: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	step := *age / time.Duration(*count)
	for i := 0; i < *count; i++ {
		createdAt := now.Add(-*age + time.Duration(i)*step)
		entry := manifest.Entry{
			Ref: manifest.ArtifactRef{
				SourceID:   "seed",
				ArtifactID: fmt.Sprintf("seed_%s", createdAt.Format("20060102_150405")),
				Kind:       manifest.Kind(*kind),
				Backend:    *backendName,
			},
			Outcome:   manifest.OutcomeSuccess,
			CreatedAt: createdAt,
			SizeBytes: 1024,
			Location:  "/dev/null",
			Extra:     map[string]string{"seeded": "true"},
		}
		if err := store.Append(ctx, entry); err != nil {
			log.Fatalf("append %s: %v", entry.Ref.ArtifactID, err)
		}
		log.Printf("seeded %s created_at=%s", entry.Ref.ArtifactID, createdAt.Format(time.RFC3339))
	}
	log.Printf("wrote %d entries to the %s manifest store", *count, cfg.ManifestStore)
}

func openStore(cfg *config.Config) (manifest.Store, error) {
	switch cfg.ManifestStore {
	case "redis":
		return manifest.NewRedisStore(cfg.RedisURL)
	case "file", "":
		return manifest.NewFileStore(cfg.ManifestPath)
	default:
		return nil, fmt.Errorf("unknown manifest store %q", cfg.ManifestStore)
	}
}
