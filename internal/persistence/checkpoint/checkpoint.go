// Package checkpoint stores local learner state between runs.
package checkpoint

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/ab-shrek/fight-4ever/internal/optim"
)

const Version = 1

type Header struct {
	Version    int    `json:"version"`
	InstanceID string `json:"instance_id"`
	PlayerID   int    `json:"player_id"`
	Episode    int    `json:"episode"`
}

type CheckpointV1 struct {
	Header Header `json:"header"`

	ObsLen  int         `json:"obs_len"`
	Gamma   float64     `json:"gamma"`
	Weights []float64   `json:"weights"`
	Adam    optim.State `json:"adam"`
}

// Write stores c as a JSON header line followed by a gob body, zstd compressed.
// The file is written to a temporary name and renamed into place.
func Write(path string, c CheckpointV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := write(tmp, c); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func write(path string, c CheckpointV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(c.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&c); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

func Read(path string) (CheckpointV1, error) {
	var c CheckpointV1
	f, err := os.Open(path)
	if err != nil {
		return c, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return c, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	// The header line is for tools that only need the identity; gob repeats it.
	if _, err := br.ReadBytes('\n'); err != nil {
		return c, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&c); err != nil {
		return c, fmt.Errorf("gob decode: %w", err)
	}
	if c.Header.Version != Version {
		return c, fmt.Errorf("checkpoint version %d, want %d", c.Header.Version, Version)
	}
	return c, nil
}

// ReadHeader decodes only the leading header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// PathFor is the rolling checkpoint location of one player under dataDir.
func PathFor(dataDir string, playerID int) string {
	return filepath.Join(dataDir, "checkpoints", fmt.Sprintf("player%d", playerID), "latest.ckpt.zst")
}
