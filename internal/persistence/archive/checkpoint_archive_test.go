package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ab-shrek/fight-4ever/internal/persistence/checkpoint"
)

func TestArchiveCheckpoint_CopiesOnBoundary(t *testing.T) {
	dataDir := t.TempDir()
	src := checkpoint.PathFor(dataDir, 1)
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	want := []byte("dummy")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	c := checkpoint.CheckpointV1{Header: checkpoint.Header{Version: 1, InstanceID: "run", PlayerID: 1, Episode: 10}, Gamma: 0.99}
	c.Adam.T = 42

	archivedPath, ok, err := ArchiveCheckpoint(dataDir, src, c, 5)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !ok {
		t.Fatalf("expected archived=true")
	}
	if filepath.Base(filepath.Dir(archivedPath)) != "episode_0010" {
		t.Fatalf("archived under %s", archivedPath)
	}
	got, err := os.ReadFile(archivedPath)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("archived content mismatch: got=%q want=%q", string(got), string(want))
	}

	b, err := os.ReadFile(filepath.Join(filepath.Dir(archivedPath), "meta.json"))
	if err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
	var meta CheckpointArchiveMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Steps != 42 || meta.PlayerID != 1 || meta.Checkpoint != filepath.Base(src) {
		t.Fatalf("meta=%+v", meta)
	}
}

func TestArchiveCheckpoint_SkipsOffBoundary(t *testing.T) {
	dataDir := t.TempDir()
	c := checkpoint.CheckpointV1{Header: checkpoint.Header{Version: 1, Episode: 7}}
	if _, ok, err := ArchiveCheckpoint(dataDir, "missing", c, 5); ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if _, ok, err := ArchiveCheckpoint(dataDir, "missing", c, 0); ok || err != nil {
		t.Fatalf("disabled: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "archives")); !os.IsNotExist(err) {
		t.Fatalf("archives dir created: %v", err)
	}
}
