package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ab-shrek/fight-4ever/internal/agent"
	"github.com/ab-shrek/fight-4ever/internal/arena"
	"github.com/ab-shrek/fight-4ever/internal/link"
	"github.com/ab-shrek/fight-4ever/internal/persistence/indexdb"
	flog "github.com/ab-shrek/fight-4ever/internal/persistence/log"
	"github.com/ab-shrek/fight-4ever/internal/policy"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/replay"
	"github.com/ab-shrek/fight-4ever/internal/transport/observer"
	"github.com/ab-shrek/fight-4ever/internal/tuning"
)

type runOptions struct {
	episodes     int
	fast         bool
	console      bool
	observe      string
	archiveEvery int
}

type options struct {
	configPath string
	dataDir    string
	instanceID string
	binding    string
	host       string
	cover      bool
}

func main() {
	for _, envFile := range []string{".env", "../../.env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	var opts options
	rootCmd := &cobra.Command{
		Use:           "fighter",
		Short:         "Run two arena fighters against a remote training policy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to fighter.yaml (defaults when empty)")
	pf.StringVar(&opts.dataDir, "data", "./data", "runtime data directory")
	pf.StringVar(&opts.instanceID, "instance", "", "instance id (or INSTANCE_ID; random when unset)")
	pf.StringVar(&opts.binding, "binding", "", "link binding http|stream|ws (or FIGHTER_BINDING)")
	pf.StringVar(&opts.host, "host", "", "policy service host (or TRAINING_SERVER_HOST)")
	pf.BoolVar(&opts.cover, "cover", false, "place the cover obstacles in the arena")

	var run runOptions
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Play episodes and report experience to the policy service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFighters(cmd.Context(), opts, run)
		},
	}
	rf := runCmd.Flags()
	rf.IntVar(&run.episodes, "episodes", 0, "episodes to play (0 = until interrupted)")
	rf.BoolVar(&run.fast, "fast", false, "tick as fast as possible and wait for every decision")
	rf.BoolVar(&run.console, "console", false, "mirror structured events to stderr")
	rf.StringVar(&run.observe, "observe", "", "serve the loopback spectator stream on this address (e.g. 127.0.0.1:8090)")
	rf.IntVar(&run.archiveEvery, "archive-every", 50, "archive learner checkpoints every N episodes (0 = never)")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the policy service of each player",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkHealth(cmd.Context(), opts)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print per-player results from the local episode index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStats(cmd.Context(), opts)
		},
	}

	rootCmd.AddCommand(runCmd, healthCmd, statsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fighter:", err)
		os.Exit(1)
	}
}

// resolve merges the config file, environment and flags, in that order.
func resolve(opts options) (tuning.Tuning, string, error) {
	tun := tuning.Defaults()
	if p := strings.TrimSpace(opts.configPath); p != "" {
		t, err := tuning.Load(p)
		if err != nil {
			return tun, "", err
		}
		tun = t
	}
	if v := firstNonEmpty(opts.binding, os.Getenv("FIGHTER_BINDING")); v != "" {
		tun.Link.Binding = strings.ToLower(v)
	}
	if v := firstNonEmpty(opts.host, os.Getenv("TRAINING_SERVER_HOST")); v != "" {
		tun.Link.Host = v
	}
	if opts.cover && len(tun.Arena.Obstacles) == 0 {
		tun.Arena.Obstacles = tuning.CoverObstacles()
	}
	if err := tun.Validate(); err != nil {
		return tun, "", err
	}
	instanceID := firstNonEmpty(opts.instanceID, os.Getenv("INSTANCE_ID"))
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return tun, instanceID, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func newClients(tun tuning.Tuning, instanceID string, logger zerolog.Logger) ([arena.Players]*link.Client, error) {
	var clients [arena.Players]*link.Client
	codec, err := protocol.NewCodec(protocol.ObservationLen)
	if err != nil {
		return clients, err
	}
	ep := link.Endpoint{Binding: tun.Link.Binding, Host: tun.Link.Host, BasePort: tun.Link.BasePort}
	for p := range clients {
		id := link.Identity{InstanceID: instanceID, PlayerID: p}
		tr, err := link.NewTransport(ep, id, codec)
		if err != nil {
			return clients, err
		}
		fb := policy.NewDefault(tun.PolicyConfig(), rand.New(rand.NewSource(time.Now().UnixNano()+int64(p))))
		clients[p] = link.NewClient(link.Config{
			Identity:      id,
			Timeout:       tun.Link.Timeout,
			RetryInterval: tun.Link.RetryInterval,
			SettleDelay:   tun.Link.SettleDelay,
			RewardQueue:   tun.Link.RewardQueue,
		}, tr, fb, logger)
	}
	return clients, nil
}

func runFighters(ctx context.Context, opts options, run runOptions) error {
	logger := log.New(os.Stdout, "[fighter] ", log.LstdFlags|log.Lmicroseconds)

	tun, instanceID, err := resolve(opts)
	if err != nil {
		return err
	}

	var mirror io.Writer
	if run.console {
		mirror = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	runLog := flog.OpenRunLog(opts.dataDir, instanceID, mirror)
	defer func() {
		if err := runLog.Close(); err != nil {
			logger.Printf("run log close: %v", err)
		}
	}()

	idx, err := openIndex(opts.dataDir, instanceID, logger)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertTuning(tun); err != nil {
			logger.Printf("index tuning: %v", err)
		}
	}

	clients, err := newClients(tun, instanceID, runLog.Logger)
	if err != nil {
		return err
	}
	match, err := arena.New(tun.Arena)
	if err != nil {
		return err
	}

	sess := &agent.Session{
		InstanceID: instanceID,
		Binding:    tun.Link.Binding,
		Match:      match,
		Index:      idx,
		Realtime:   !run.fast,
		Logger:     logger,
	}
	if tun.Agent.ExportExperience {
		sess.ExperienceDir = opts.dataDir
		up, err := openUploader(opts.dataDir, instanceID, log.New(os.Stdout, "[upload] ", log.LstdFlags|log.Lmicroseconds))
		if err != nil {
			return fmt.Errorf("open uploader: %w", err)
		}
		if up != nil {
			defer func() {
				up.Close()
				st := up.Stats()
				logger.Printf("upload ok=%d fail=%d dropped=%d", st.UploadSuccessTotal, st.UploadFailTotal, st.DroppedTotal)
			}()
			sess.Uploader = up
		}
	}
	if tun.Learner.Enabled {
		sess.CheckpointDir = opts.dataDir
		sess.ArchiveEvery = run.archiveEvery
	}
	if run.observe != "" {
		obs := observer.NewServer(instanceID, match, log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds))
		mux := http.NewServeMux()
		mux.HandleFunc("/observer/bootstrap", obs.BootstrapHandler())
		mux.HandleFunc("/observer/ws", obs.WSHandler())
		srv := &http.Server{Addr: run.observe, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("observer: %v", err)
			}
		}()
		defer srv.Close()
		sess.Spectator = obs
	}
	for p, c := range clients {
		c.Start()
		defer c.Close()
		if err := c.ReportHealth(ctx); err != nil {
			logger.Printf("player %d: policy service unavailable, starting on the default policy: %v", p, err)
		}
		var learner *agent.Learner
		if tun.Learner.Enabled {
			learner = agent.NewLearner(protocol.ObservationLen, tun.Learner.LR, tun.Learner.Gamma)
			h, ok, err := agent.RestoreLearner(opts.dataDir, p, learner)
			switch {
			case err != nil:
				logger.Printf("player %d: checkpoint ignored: %v", p, err)
			case ok:
				logger.Printf("player %d: learner restored from %s episode %d", p, h.InstanceID, h.Episode)
			}
		}
		sess.Agents[p] = agent.New(ctx, agent.Config{
			Player:           p,
			DecisionInterval: tun.Agent.DecisionInterval,
			Lockstep:         run.fast,
			Weights:          tun.Reward,
			BatchSize:        tun.Replay.BatchSize,
			TrainEvery:       tun.Learner.TrainEvery,
		}, c, replay.New(tun.Replay.Capacity, nil), learner, runLog.Logger)
	}

	logger.Printf("instance=%s binding=%s host=%s base_port=%d episodes=%d fast=%v",
		instanceID, tun.Link.Binding, tun.Link.Host, tun.Link.BasePort, run.episodes, run.fast)

	err = sess.Run(ctx, run.episodes)
	for p, c := range clients {
		st := c.Stats()
		logger.Printf("player %d link: requests=%d remote=%d fallback=%d timeouts=%d rewards_sent=%d dropped=%d mean_latency=%s",
			p, st.Requests, st.Remote, st.Fallback, st.Timeouts, st.RewardsSent, st.RewardsDropped, st.MeanLatency)
	}
	if idx != nil {
		st := idx.Stats()
		logger.Printf("index queue depth=%d/%d drop_episode=%d drop_link=%d flush_fail=%d",
			st.QueueDepth, st.QueueCapacity, st.DropEpisodeTotal, st.DropLinkStatTotal, st.FlushFailTotal)
	}
	if err != nil && ctx.Err() != nil {
		logger.Printf("shutdown: %v", ctx.Err())
		return nil
	}
	return err
}

func checkHealth(ctx context.Context, opts options) error {
	tun, instanceID, err := resolve(opts)
	if err != nil {
		return err
	}
	clients, err := newClients(tun, instanceID, zerolog.Nop())
	if err != nil {
		return err
	}
	failed := 0
	for p, c := range clients {
		herr := c.ReportHealth(ctx)
		state := c.State()
		_ = c.Close()
		if herr != nil {
			failed++
			fmt.Printf("player %d %s: %v\n", p, tun.Link.Binding, herr)
			continue
		}
		fmt.Printf("player %d %s: %s\n", p, tun.Link.Binding, state)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d policy services unavailable", failed, len(clients))
	}
	return nil
}

func printStats(ctx context.Context, opts options) error {
	idx, err := indexdb.OpenSQLite(indexPath(opts.dataDir))
	if err != nil {
		return err
	}
	defer idx.Close()
	sums, err := idx.Summaries(ctx)
	if err != nil {
		return err
	}
	if len(sums) == 0 {
		fmt.Println("no episodes recorded")
		return nil
	}
	for _, s := range sums {
		fmt.Printf("player %d: episodes=%d wins=%d losses=%d draws=%d accuracy=%.2f avg_reward=%.3f\n",
			s.PlayerID, s.Episodes, s.Wins, s.Losses, s.Draws, s.Accuracy(), s.AvgReward)
	}
	return nil
}
