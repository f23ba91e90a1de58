package indexdb

import (
	"time"

	"github.com/ab-shrek/fight-4ever/internal/tuning"
)

// Index is a secondary, best-effort record of finished episodes. Writes
// never block the caller; when a backend falls behind, records are dropped
// and counted. The JSONL logs remain the source of truth.
type Index interface {
	RecordEpisode(r EpisodeRecord)
	RecordLinkStats(r LinkStatsRecord)
	UpsertTuning(t tuning.Tuning) error
	Stats() QueueStats
	Close() error
}

type EpisodeRecord struct {
	InstanceID  string    `json:"instance_id"`
	PlayerID    int       `json:"player_id"`
	Episode     int       `json:"episode"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Outcome     string    `json:"outcome"`
	TotalReward float64   `json:"total_reward"`
	Decisions   int       `json:"decisions"`
	Shots       int       `json:"shots"`
	Hits        int       `json:"hits"`
	FinalHealth float64   `json:"final_health"`
}

func (r EpisodeRecord) Accuracy() float64 {
	if r.Shots == 0 {
		return 0
	}
	return float64(r.Hits) / float64(r.Shots)
}

type LinkStatsRecord struct {
	InstanceID       string  `json:"instance_id"`
	PlayerID         int     `json:"player_id"`
	Episode          int     `json:"episode"`
	Binding          string  `json:"binding"`
	Requests         int64   `json:"requests"`
	Remote           int64   `json:"remote"`
	Fallback         int64   `json:"fallback"`
	Timeouts         int64   `json:"timeouts"`
	ProtocolErrors   int64   `json:"protocol_errors"`
	ConnectionErrors int64   `json:"connection_errors"`
	Busy             int64   `json:"busy"`
	RewardsSent      int64   `json:"rewards_sent"`
	RewardsDropped   int64   `json:"rewards_dropped"`
	RewardErrors     int64   `json:"reward_errors"`
	MeanLatencyMS    float64 `json:"mean_latency_ms"`
}

type QueueStats struct {
	QueueDepth        int
	QueueCapacity     int
	DropEpisodeTotal  uint64
	DropLinkStatTotal uint64
	FlushFailTotal    uint64
}
