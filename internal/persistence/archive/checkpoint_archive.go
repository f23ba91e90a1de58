package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/persistence/checkpoint"
)

type CheckpointArchiveMeta struct {
	Episode    int     `json:"episode"`
	InstanceID string  `json:"instance_id"`
	PlayerID   int     `json:"player_id"`
	Checkpoint string  `json:"checkpoint"`
	Steps      int     `json:"optimizer_steps"`
	Gamma      float64 `json:"gamma"`
	CreatedAt  string  `json:"created_at"`
}

// ArchiveCheckpoint copies a learner checkpoint into
// `dataDir/archives/player<N>/episode_<NNNN>/` every `every` episodes.
// It returns (archivedPath, archived=true) when the episode is on the boundary.
func ArchiveCheckpoint(dataDir, checkpointPath string, c checkpoint.CheckpointV1, every int) (archivedPath string, archived bool, err error) {
	if every <= 0 || c.Header.Episode <= 0 || c.Header.Episode%every != 0 {
		return "", false, nil
	}

	archiveDir := filepath.Join(dataDir, "archives",
		fmt.Sprintf("player%d", c.Header.PlayerID),
		fmt.Sprintf("episode_%04d", c.Header.Episode))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(checkpointPath))
	if err := copyFile(checkpointPath, dst); err != nil {
		return "", false, err
	}

	meta := CheckpointArchiveMeta{
		Episode:    c.Header.Episode,
		InstanceID: c.Header.InstanceID,
		PlayerID:   c.Header.PlayerID,
		Checkpoint: filepath.Base(dst),
		Steps:      c.Adam.T,
		Gamma:      c.Gamma,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
