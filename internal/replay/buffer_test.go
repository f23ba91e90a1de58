package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

func tr(i int) protocol.Transition {
	f := float64(i)
	return protocol.Transition{
		State:     protocol.Observation{f, 0, 0, 1, 0, 0},
		Action:    []float64{0.1, -0.1, 0.5},
		Reward:    f,
		NextState: protocol.Observation{f + 1, 0, 0, 1, 0, 0},
		Done:      i%7 == 0,
	}
}

func TestAddEvictsOldestFirst(t *testing.T) {
	const capacity, extra = 5, 3
	b := New(capacity, rand.New(rand.NewSource(1)))
	for i := 0; i < capacity+extra; i++ {
		b.Add(tr(i))
	}
	if b.Len() != capacity {
		t.Fatalf("Len = %d, want %d", b.Len(), capacity)
	}
	got := b.Contents()
	for i, c := range got {
		want := float64(extra + i)
		if c.Reward != want {
			t.Fatalf("contents[%d].Reward = %v, want %v (all=%v)", i, c.Reward, want, got)
		}
	}
}

func TestContentsBeforeFull(t *testing.T) {
	b := New(4, nil)
	b.Add(tr(0))
	b.Add(tr(1))
	got := b.Contents()
	if len(got) != 2 || got[0].Reward != 0 || got[1].Reward != 1 {
		t.Fatalf("unexpected contents %v", got)
	}
}

func TestSampleDrawsStoredValues(t *testing.T) {
	b := New(8, rand.New(rand.NewSource(3)))
	for i := 0; i < 20; i++ {
		b.Add(tr(i))
	}
	batch, err := b.Sample(8)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if batch.Len() != 8 || len(batch.States) != 8 || len(batch.Dones) != 8 {
		t.Fatalf("batch size mismatch: %+v", batch)
	}
	for i, idx := range batch.Indices {
		stored := b.At(idx)
		if batch.Rewards[i] != stored.Reward || batch.Dones[i] != stored.Done {
			t.Fatalf("row %d not traceable to slot %d", i, idx)
		}
		for j := range stored.State {
			if batch.States[i][j] != stored.State[j] || batch.NextStates[i][j] != stored.NextState[j] {
				t.Fatalf("row %d state mismatch with slot %d", i, idx)
			}
		}
		if stored.Reward < 12 {
			t.Fatalf("sampled evicted transition %v", stored.Reward)
		}
	}
}

func TestSampleWithReplacementAllowsFullDraw(t *testing.T) {
	b := New(3, rand.New(rand.NewSource(5)))
	for i := 0; i < 3; i++ {
		b.Add(tr(i))
	}
	for k := 0; k < 50; k++ {
		batch, err := b.Sample(3)
		if err != nil {
			t.Fatalf("Sample(3) with 3 stored: %v", err)
		}
		for _, idx := range batch.Indices {
			if idx < 0 || idx >= 3 {
				t.Fatalf("index out of range: %d", idx)
			}
		}
	}
}

func TestSampleInsufficientData(t *testing.T) {
	b := New(10, nil)
	b.Add(tr(1))
	_, err := b.Sample(2)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	var ide *InsufficientDataError
	if !errors.As(err, &ide) || ide.Requested != 2 || ide.Available != 1 {
		t.Fatalf("unexpected error detail: %#v", err)
	}
}

func TestStoredTransitionIsCopied(t *testing.T) {
	b := New(2, nil)
	in := tr(1)
	b.Add(in)
	in.State[0] = 99
	if b.At(0).State[0] == 99 {
		t.Fatalf("buffer must not alias caller slices")
	}
}

func TestExportOldestFirst(t *testing.T) {
	b := New(3, nil)
	for i := 0; i < 5; i++ {
		b.Add(tr(i))
	}
	var buf bytes.Buffer
	n, err := b.Export(&buf)
	if err != nil || n != 3 {
		t.Fatalf("Export n=%d err=%v", n, err)
	}
	sc := bufio.NewScanner(&buf)
	want := 2.0
	for sc.Scan() {
		var got protocol.Transition
		if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
			t.Fatalf("line: %v", err)
		}
		if got.Reward != want {
			t.Fatalf("reward = %v, want %v", got.Reward, want)
		}
		want++
	}
}
