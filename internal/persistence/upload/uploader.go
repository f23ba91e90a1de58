package upload

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

type Config struct {
	// DataDir is the root object keys are computed relative to.
	DataDir       string
	Prefix        string
	Workers       int
	QueueCapacity int
	EnqueueWait   time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	// RemoveAfterUpload deletes the local file once it is stored.
	RemoveAfterUpload bool
	Logger            *log.Logger
}

// Uploader copies files under DataDir to a Sink from a small worker pool.
// Enqueue never blocks for longer than EnqueueWait.
type Uploader struct {
	sink Sink
	cfg  Config

	jobs chan string
	wg   sync.WaitGroup
	once sync.Once

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func New(sink Sink, cfg Config) *Uploader {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	u := &Uploader{
		sink: sink,
		cfg:  cfg,
		jobs: make(chan string, cfg.QueueCapacity),
	}
	for i := 0; i < cfg.Workers; i++ {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			for localPath := range u.jobs {
				u.uploadOne(localPath)
			}
		}()
	}
	return u
}

func (u *Uploader) Enqueue(localPath string) {
	if u == nil || u.sink == nil {
		return
	}
	u.enqueuedTotal.Add(1)

	select {
	case u.jobs <- localPath:
		return
	default:
	}

	u.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(u.cfg.EnqueueWait)
	defer timer.Stop()
	select {
	case u.jobs <- localPath:
	case <-timer.C:
		dropped := u.droppedTotal.Add(1)
		u.printf("upload drop local=%s reason=queue_saturated wait_ms=%d dropped_total=%d", localPath, u.cfg.EnqueueWait.Milliseconds(), dropped)
	}
}

// Close waits for queued uploads to finish.
func (u *Uploader) Close() {
	if u == nil {
		return
	}
	u.once.Do(func() {
		close(u.jobs)
		u.wg.Wait()
	})
}

func (u *Uploader) Stats() Stats {
	if u == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(u.jobs),
		QueueCapacity:       cap(u.jobs),
		EnqueuedTotal:       u.enqueuedTotal.Load(),
		QueueSaturatedTotal: u.queueSaturatedTotal.Load(),
		DroppedTotal:        u.droppedTotal.Load(),
		UploadSuccessTotal:  u.uploadSuccessTotal.Load(),
		UploadFailTotal:     u.uploadFailTotal.Load(),
		LastSuccessUnix:     u.lastSuccessUnix.Load(),
		LastErrorUnix:       u.lastErrorUnix.Load(),
	}
}

func (u *Uploader) uploadOne(localPath string) {
	key, err := u.objectKey(localPath)
	if err != nil {
		u.uploadFailTotal.Add(1)
		u.printf("upload skip local=%s err=%v", localPath, err)
		return
	}
	if err := u.uploadWithRetry(key, localPath); err != nil {
		u.uploadFailTotal.Add(1)
		u.lastErrorUnix.Store(time.Now().UTC().Unix())
		u.printf("upload failed key=%s local=%s err=%v", key, localPath, err)
		return
	}
	u.uploadSuccessTotal.Add(1)
	u.lastSuccessUnix.Store(time.Now().UTC().Unix())
	u.printf("uploaded key=%s local=%s", key, localPath)
	if u.cfg.RemoveAfterUpload {
		if err := os.Remove(localPath); err != nil {
			u.printf("upload cleanup local=%s err=%v", localPath, err)
		}
	}
}

func (u *Uploader) uploadWithRetry(key, localPath string) error {
	var lastErr error
	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := u.sink.Put(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < u.cfg.MaxAttempts {
			time.Sleep(time.Duration(attempt*attempt) * u.cfg.Backoff)
		}
	}
	return lastErr
}

func (u *Uploader) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	absBase, err := filepath.Abs(u.cfg.DataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}
	if u.cfg.Prefix != "" {
		return path.Join(u.cfg.Prefix, rel), nil
	}
	return rel, nil
}

func (u *Uploader) printf(format string, args ...any) {
	if u.cfg.Logger != nil {
		u.cfg.Logger.Printf(format, args...)
	}
}
