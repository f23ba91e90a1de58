package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ab-shrek/fight-4ever/internal/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEpisode  atomic.Uint64
	dropLinkStat atomic.Uint64
	flushFail    atomic.Uint64
}

type reqKind int

const (
	reqEpisode reqKind = iota + 1
	reqLinkStats
)

type req struct {
	kind reqKind

	episode EpisodeRecord
	link    LinkStatsRecord
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS configs (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			instance_id TEXT NOT NULL,
			player_id INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			total_reward REAL NOT NULL,
			decisions INTEGER NOT NULL,
			shots INTEGER NOT NULL,
			hits INTEGER NOT NULL,
			final_health REAL NOT NULL,
			PRIMARY KEY (instance_id, player_id, episode)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_outcome ON episodes(player_id, outcome);`,
		`CREATE TABLE IF NOT EXISTS link_stats (
			instance_id TEXT NOT NULL,
			player_id INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			binding TEXT NOT NULL,
			requests INTEGER NOT NULL,
			remote INTEGER NOT NULL,
			fallback INTEGER NOT NULL,
			timeouts INTEGER NOT NULL,
			protocol_errors INTEGER NOT NULL,
			connection_errors INTEGER NOT NULL,
			busy INTEGER NOT NULL,
			rewards_sent INTEGER NOT NULL,
			rewards_dropped INTEGER NOT NULL,
			reward_errors INTEGER NOT NULL,
			mean_latency_ms REAL NOT NULL,
			PRIMARY KEY (instance_id, player_id, episode)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordEpisode(r EpisodeRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEpisode, episode: r}:
	default:
		s.dropEpisode.Add(1)
	}
}

func (s *SQLiteIndex) RecordLinkStats(r LinkStatsRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqLinkStats, link: r}:
	default:
		s.dropLinkStat.Add(1)
	}
}

func (s *SQLiteIndex) Stats() QueueStats {
	return QueueStats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropEpisodeTotal:  s.dropEpisode.Load(),
		DropLinkStatTotal: s.dropLinkStat.Load(),
		FlushFailTotal:    s.flushFail.Load(),
	}
}

// UpsertTuning stores the effective configuration under its digest so that
// episodes can be traced to the weights they were shaped with.
func (s *SQLiteIndex) UpsertTuning(t tuning.Tuning) error {
	if s == nil {
		return nil
	}
	b, digest, err := tuningDigest(t)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('config_digest',?)`, digest); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO configs(digest,json,updated_at) VALUES(?,?,?)`, digest, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func tuningDigest(t tuning.Tuning) ([]byte, string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(b)
	return b, hex.EncodeToString(sum[:]), nil
}

// Episodes lists the recorded episodes of one instance in order.
func (s *SQLiteIndex) Episodes(ctx context.Context, instanceID string) ([]EpisodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id,player_id,episode,started_at,ended_at,outcome,total_reward,decisions,shots,hits,final_health
		FROM episodes WHERE instance_id=? ORDER BY episode, player_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EpisodeRecord
	for rows.Next() {
		var r EpisodeRecord
		var started, ended string
		if err := rows.Scan(&r.InstanceID, &r.PlayerID, &r.Episode, &started, &ended, &r.Outcome,
			&r.TotalReward, &r.Decisions, &r.Shots, &r.Hits, &r.FinalHealth); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary aggregates outcomes per player across all instances.
type Summary struct {
	PlayerID  int
	Episodes  int
	Wins      int
	Losses    int
	Draws     int
	Shots     int
	Hits      int
	AvgReward float64
}

func (s Summary) Accuracy() float64 {
	if s.Shots == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Shots)
}

func (s *SQLiteIndex) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT player_id, COUNT(*),
		SUM(CASE WHEN outcome='win' THEN 1 ELSE 0 END),
		SUM(CASE WHEN outcome='loss' THEN 1 ELSE 0 END),
		SUM(CASE WHEN outcome IN ('draw','timeout') THEN 1 ELSE 0 END),
		SUM(shots), SUM(hits), AVG(total_reward)
		FROM episodes GROUP BY player_id ORDER BY player_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.PlayerID, &sm.Episodes, &sm.Wins, &sm.Losses, &sm.Draws, &sm.Shots, &sm.Hits, &sm.AvgReward); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(instance_id,player_id,episode,started_at,ended_at,outcome,total_reward,decisions,shots,hits,final_health) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertLink, _ := s.db.Prepare(`INSERT OR REPLACE INTO link_stats(instance_id,player_id,episode,binding,requests,remote,fallback,timeouts,protocol_errors,connection_errors,busy,rewards_sent,rewards_dropped,reward_errors,mean_latency_ms) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertEpisode != nil {
			_ = insertEpisode.Close()
		}
		if insertLink != nil {
			_ = insertLink.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.flushFail.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.flushFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.flushFail.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		// Episodes are rare; commit as soon as the queue drains.
		if opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEpisode:
			e := r.episode
			if insertEpisode == nil {
				continue
			}
			if _, err := tx.Stmt(insertEpisode).Exec(
				e.InstanceID, e.PlayerID, e.Episode,
				e.StartedAt.UTC().Format(time.RFC3339Nano),
				e.EndedAt.UTC().Format(time.RFC3339Nano),
				e.Outcome, e.TotalReward, e.Decisions, e.Shots, e.Hits, e.FinalHealth,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqLinkStats:
			l := r.link
			if insertLink == nil {
				continue
			}
			if _, err := tx.Stmt(insertLink).Exec(
				l.InstanceID, l.PlayerID, l.Episode, l.Binding,
				l.Requests, l.Remote, l.Fallback, l.Timeouts, l.ProtocolErrors, l.ConnectionErrors,
				l.Busy, l.RewardsSent, l.RewardsDropped, l.RewardErrors, l.MeanLatencyMS,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}

	commit()
}
