package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

var ErrInsufficientData = errors.New("insufficient data")

// InsufficientDataError is returned by Sample when fewer transitions are
// stored than requested.
type InsufficientDataError struct {
	Requested int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("replay: sample of %d requested, %d stored", e.Requested, e.Available)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// Buffer is a fixed-capacity circular experience store. Once full, each Add
// overwrites the oldest slot. Not safe for concurrent use.
type Buffer struct {
	capacity int
	items    []protocol.Transition
	write    int // next slot to overwrite once full
	rng      *rand.Rand
}

func New(capacity int, rng *rand.Rand) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Buffer{
		capacity: capacity,
		items:    make([]protocol.Transition, 0, capacity),
		rng:      rng,
	}
}

func (b *Buffer) Len() int { return len(b.items) }
func (b *Buffer) Cap() int { return b.capacity }

// Add stores a copy of t.
func (b *Buffer) Add(t protocol.Transition) {
	t = cloneTransition(t)
	if len(b.items) < b.capacity {
		b.items = append(b.items, t)
		return
	}
	b.items[b.write] = t
	b.write = (b.write + 1) % b.capacity
}

// Contents returns the stored transitions oldest first.
func (b *Buffer) Contents() []protocol.Transition {
	out := make([]protocol.Transition, 0, len(b.items))
	if len(b.items) < b.capacity {
		out = append(out, b.items...)
	} else {
		out = append(out, b.items[b.write:]...)
		out = append(out, b.items[:b.write]...)
	}
	return out
}

// Batch is a structure-of-arrays sample. Row i of every field comes from the
// stored slot Indices[i].
type Batch struct {
	Indices    []int
	States     [][]float64
	Actions    [][]float64
	Rewards    []float64
	NextStates [][]float64
	Dones      []bool
}

func (b Batch) Len() int { return len(b.Indices) }

// Sample draws n slots uniformly with replacement.
func (b *Buffer) Sample(n int) (Batch, error) {
	if n <= 0 {
		return Batch{}, fmt.Errorf("replay: batch size must be positive, got %d", n)
	}
	if len(b.items) < n {
		return Batch{}, &InsufficientDataError{Requested: n, Available: len(b.items)}
	}
	batch := Batch{
		Indices:    make([]int, n),
		States:     make([][]float64, n),
		Actions:    make([][]float64, n),
		Rewards:    make([]float64, n),
		NextStates: make([][]float64, n),
		Dones:      make([]bool, n),
	}
	for i := 0; i < n; i++ {
		idx := b.rng.Intn(len(b.items))
		t := b.items[idx]
		batch.Indices[i] = idx
		batch.States[i] = append([]float64(nil), t.State...)
		batch.Actions[i] = append([]float64(nil), t.Action...)
		batch.Rewards[i] = t.Reward
		batch.NextStates[i] = append([]float64(nil), t.NextState...)
		batch.Dones[i] = t.Done
	}
	return batch, nil
}

// At returns a copy of the transition in slot i.
func (b *Buffer) At(i int) protocol.Transition { return cloneTransition(b.items[i]) }

// Export writes the stored transitions oldest first, one JSON object per line.
func (b *Buffer) Export(w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	n := 0
	for _, t := range b.Contents() {
		if err := enc.Encode(t); err != nil {
			return n, err
		}
		n++
	}
	return n, bw.Flush()
}

func cloneTransition(t protocol.Transition) protocol.Transition {
	t.State = t.State.Clone()
	t.NextState = t.NextState.Clone()
	t.Action = append([]float64(nil), t.Action...)
	return t
}
