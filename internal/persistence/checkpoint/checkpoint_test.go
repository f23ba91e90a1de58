package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ab-shrek/fight-4ever/internal/optim"
)

func sample() CheckpointV1 {
	return CheckpointV1{
		Header:  Header{Version: Version, InstanceID: "run-1", PlayerID: 1, Episode: 4},
		ObsLen:  2,
		Gamma:   0.99,
		Weights: []float64{0.5, -0.25, 0.1},
		Adam:    optim.State{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, M: []float64{1, 2, 3}, V: []float64{4, 5, 6}, T: 7},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := PathFor(t.TempDir(), 1)
	if err := Write(p, sample()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Header != sample().Header || got.Adam.T != 7 || got.Weights[1] != -0.25 || got.Adam.V[2] != 6 {
		t.Fatalf("got %+v", got)
	}
	h, err := ReadHeader(p)
	if err != nil || h.Episode != 4 || h.InstanceID != "run-1" {
		t.Fatalf("header %+v err=%v", h, err)
	}
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestReadRejectsOtherVersion(t *testing.T) {
	c := sample()
	c.Header.Version = 99
	p := filepath.Join(t.TempDir(), "c.ckpt.zst")
	if err := Write(p, c); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Read(p); err == nil {
		t.Fatalf("expected version error")
	}
	if _, err := Read(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
