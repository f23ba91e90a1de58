package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/replay"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()
	var out []map[string]any
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func onlyFile(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("files in %s: %v err=%v", dir, matches, err)
	}
	return matches[0]
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "events")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	var closed []string
	w.SetOnClose(func(p string) { closed = append(closed, filepath.Base(p)) })
	if err := w.Append(map[string]int{"n": 1}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Append(map[string]int{"n": 2}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(closed) != 2 || closed[0] != "events-2026-03-01-10.jsonl.zst" || closed[1] != "events-2026-03-01-11.jsonl.zst" {
		t.Fatalf("closed files = %v", closed)
	}
	for hour, n := range map[string]float64{"10": 1, "11": 2} {
		lines := readLines(t, filepath.Join(dir, "events-2026-03-01-"+hour+".jsonl.zst"))
		if len(lines) != 1 || lines[0]["n"] != n {
			t.Fatalf("hour %s: %v", hour, lines)
		}
	}
}

func TestRunLogWritesStructuredEvents(t *testing.T) {
	dir := t.TempDir()
	rl := OpenRunLog(dir, "run-7", nil)
	rl.Logger.Info().Str("component", "link").Str("op", "get_action").Msg("decision")
	if err := rl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	lines := readLines(t, onlyFile(t, filepath.Join(dir, "events")))
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}
	ev := lines[0]
	if ev["instance"] != "run-7" || ev["component"] != "link" || ev["op"] != "get_action" || ev["level"] != "info" {
		t.Fatalf("event = %v", ev)
	}
}

func TestExperienceLoggerWritesBuffer(t *testing.T) {
	dir := t.TempDir()
	b := replay.New(4, nil)
	for i := 0; i < 6; i++ {
		b.Add(protocol.Transition{
			State:     protocol.Observation{1, 0, 0, 1, 0, 0},
			Action:    []float64{0, 0, 0},
			Reward:    float64(i),
			NextState: protocol.Observation{1, 0, 0, 1, 0, 0},
		})
	}
	el := NewExperienceLogger(dir, 1, "run-7")
	n, err := el.WriteBuffer(b)
	if err != nil || n != 4 {
		t.Fatalf("WriteBuffer n=%d err=%v", n, err)
	}
	if err := el.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	path := onlyFile(t, filepath.Join(dir, "experience"))
	if base := filepath.Base(path); len(base) < 26 || base[:26] != "experience_player1_run-7-2" {
		t.Fatalf("unexpected file name %s", base)
	}
	lines := readLines(t, path)
	if len(lines) != 4 || lines[0]["reward"] != 2.0 || lines[3]["reward"] != 5.0 {
		t.Fatalf("lines = %v", lines)
	}
}

func TestReadExperienceAcrossAppends(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		el := NewExperienceLogger(dir, 0, "run-9")
		el.w.now = func() time.Time { return at }
		tr := protocol.Transition{
			State:     protocol.Observation{1, 0, 0, 1, 0, 0},
			Action:    []float64{0, 0, 1},
			Reward:    float64(i + 1),
			NextState: protocol.Observation{1, 0, 0, 1, 0, 0},
			Done:      i == 1,
		}
		if err := el.WriteTransition(tr); err != nil {
			t.Fatalf("WriteTransition: %v", err)
		}
		if err := el.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	path := onlyFile(t, filepath.Join(dir, "experience"))
	var rewards []float64
	n, err := ReadExperience(path, func(tr protocol.Transition) error {
		rewards = append(rewards, tr.Reward)
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("ReadExperience n=%d err=%v", n, err)
	}
	if rewards[0] != 1 || rewards[1] != 2 {
		t.Fatalf("rewards = %v", rewards)
	}
}
