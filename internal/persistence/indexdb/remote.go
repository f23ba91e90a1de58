package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/tuning"
)

// RemoteConfig points a RemoteIndex at an HTTP ingest endpoint that accepts
// {"events":[...]} batches.
type RemoteConfig struct {
	Endpoint      string
	Token         string
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

// RemoteIndex ships episode records to a collector in batches. A batch that
// fails to send is kept and retried on the next flush.
type RemoteIndex struct {
	cfg        RemoteConfig
	httpClient *http.Client

	ch   chan remoteEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEpisode  atomic.Uint64
	dropLinkStat atomic.Uint64
	flushFail    atomic.Uint64
}

type remoteEvent struct {
	Kind       string `json:"kind"`
	InstanceID string `json:"instance_id"`
	Payload    any    `json:"payload"`
}

type remoteConfigPayload struct {
	Digest string          `json:"digest"`
	JSON   json.RawMessage `json:"json"`
}

const maxRetainedEvents = 4096

func OpenRemote(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.InstanceID = strings.TrimSpace(cfg.InstanceID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("empty instance id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &RemoteIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan remoteEvent, 1024),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *RemoteIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *RemoteIndex) RecordEpisode(r EpisodeRecord) {
	if !d.enqueue(remoteEvent{Kind: "episode", InstanceID: d.cfg.InstanceID, Payload: r}) {
		d.dropEpisode.Add(1)
	}
}

func (d *RemoteIndex) RecordLinkStats(r LinkStatsRecord) {
	if !d.enqueue(remoteEvent{Kind: "link_stats", InstanceID: d.cfg.InstanceID, Payload: r}) {
		d.dropLinkStat.Add(1)
	}
}

func (d *RemoteIndex) UpsertTuning(t tuning.Tuning) error {
	b, digest, err := tuningDigest(t)
	if err != nil {
		return err
	}
	d.enqueue(remoteEvent{Kind: "config", InstanceID: d.cfg.InstanceID, Payload: remoteConfigPayload{Digest: digest, JSON: b}})
	return nil
}

func (d *RemoteIndex) Stats() QueueStats {
	return QueueStats{
		QueueDepth:        len(d.ch),
		QueueCapacity:     cap(d.ch),
		DropEpisodeTotal:  d.dropEpisode.Load(),
		DropLinkStatTotal: d.dropLinkStat.Load(),
		FlushFailTotal:    d.flushFail.Load(),
	}
}

func (d *RemoteIndex) enqueue(ev remoteEvent) bool {
	if d == nil || d.closed.Load() {
		return true
	}
	select {
	case d.ch <- ev:
		return true
	default:
		d.printf("remote index queue full; drop kind=%s instance=%s", ev.Kind, ev.InstanceID)
		return false
	}
}

func (d *RemoteIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]remoteEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFail.Add(1)
			d.printf("remote index flush failed batch=%d err=%v", len(batch), err)
			if len(batch) > maxRetainedEvents {
				batch = append(batch[:0], batch[len(batch)-maxRetainedEvents:]...)
			}
			return
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RemoteIndex) sendBatch(events []remoteEvent) error {
	body := struct {
		Events []remoteEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-fighter-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *RemoteIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
