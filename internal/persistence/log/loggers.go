package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/replay"
)

// JSONLZstdWriter appends JSON lines to hourly zstd-compressed files named
// <prefix>-<yyyy-mm-dd-hh>.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	onClose func(path string)
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

// SetOnClose registers fn to run with the path of every file the writer
// finishes, on rotation or Close.
func (w *JSONLZstdWriter) SetOnClose(fn func(path string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = fn
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Append writes v as one JSON line.
func (w *JSONLZstdWriter) Append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// Write appends already-framed lines. zerolog hands over one complete event
// per call, so an event never straddles a rotation.
func (w *JSONLZstdWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return 0, err
		}
	}
	return w.w.Write(p)
}

// Flush pushes buffered lines through the encoder into the file.
func (w *JSONLZstdWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	closed := ""
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		closed = w.f.Name()
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	if closed != "" && w.onClose != nil {
		w.onClose(closed)
	}
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// RunLog is the structured log of one simulation run. It is opened once at
// startup and handed to every component; Close flushes it.
type RunLog struct {
	w      *JSONLZstdWriter
	Logger zerolog.Logger
}

// OpenRunLog writes events under <dir>/events. When console is non-nil the
// same events are mirrored there.
func OpenRunLog(dir, instanceID string, console io.Writer) *RunLog {
	w := NewJSONLZstdWriter(filepath.Join(dir, "events"), "link-"+instanceID)
	var out io.Writer = w
	if console != nil {
		out = zerolog.MultiLevelWriter(w, console)
	}
	return &RunLog{
		w:      w,
		Logger: zerolog.New(out).With().Timestamp().Str("instance", instanceID).Logger(),
	}
}

func (l *RunLog) Flush() error { return l.w.Flush() }
func (l *RunLog) Close() error { return l.w.Close() }

// ExperienceLogger writes one agent's transitions for later upload.
type ExperienceLogger struct{ w *JSONLZstdWriter }

func NewExperienceLogger(dir string, playerID int, instanceID string) *ExperienceLogger {
	prefix := fmt.Sprintf("experience_player%d_%s", playerID, instanceID)
	return &ExperienceLogger{w: NewJSONLZstdWriter(filepath.Join(dir, "experience"), prefix)}
}

func (l *ExperienceLogger) WriteTransition(t protocol.Transition) error { return l.w.Append(t) }

// WriteBuffer appends every stored transition, oldest first.
func (l *ExperienceLogger) WriteBuffer(b *replay.Buffer) (int, error) {
	n, err := b.Export(l.w)
	if err != nil {
		return n, err
	}
	return n, l.w.Flush()
}

func (l *ExperienceLogger) OnClose(fn func(path string)) { l.w.SetOnClose(fn) }
func (l *ExperienceLogger) Close() error                 { return l.w.Close() }

// ReadExperience calls fn for each transition in an experience file, in
// write order. Concatenated zstd frames from appended sessions are read
// as one stream.
func ReadExperience(path string, fn func(protocol.Transition) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	n := 0
	for sc.Scan() {
		var t protocol.Transition
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			return n, fmt.Errorf("%s line %d: %w", filepath.Base(path), n+1, err)
		}
		if err := fn(t); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}
