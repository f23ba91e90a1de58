package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/persistence/indexdb"
)

func openIndex(dataDir, instanceID string, logger *log.Logger) (indexdb.Index, error) {
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("FIGHTER_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(indexPath(dataDir))
	case "remote":
		endpoint := strings.TrimSpace(os.Getenv("FIGHTER_INDEX_INGEST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("FIGHTER_INDEX_BACKEND=remote but FIGHTER_INDEX_INGEST_URL is empty")
		}
		return indexdb.OpenRemote(indexdb.RemoteConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("FIGHTER_INDEX_TOKEN")),
			InstanceID:    instanceID,
			BatchSize:     envInt("FIGHTER_INDEX_BATCH_SIZE", 32),
			FlushInterval: time.Duration(envInt("FIGHTER_INDEX_FLUSH_MS", 2000)) * time.Millisecond,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unknown FIGHTER_INDEX_BACKEND=%q (expected sqlite|remote|none)", backend)
	}
}

func indexPath(dataDir string) string {
	return filepath.Join(dataDir, "index", "fighter.sqlite")
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
