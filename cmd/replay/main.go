package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ab-shrek/fight-4ever/internal/agent"
	"github.com/ab-shrek/fight-4ever/internal/persistence/checkpoint"
	flog "github.com/ab-shrek/fight-4ever/internal/persistence/log"
	"github.com/ab-shrek/fight-4ever/internal/persistence/upload"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
)

type fileStats struct {
	transitions int
	episodes    int
	rewardSum   float64
	fires       int
	tdAbsSum    float64
}

func main() {
	var (
		expPath  = flag.String("experience", "", "experience .jsonl.zst file or directory of them")
		ckptPath = flag.String("checkpoint", "", "learner checkpoint to score the experience with (optional)")
	)
	flag.Parse()

	if *expPath == "" && *ckptPath == "" {
		fmt.Fprintln(os.Stderr, "missing -experience or -checkpoint")
		os.Exit(2)
	}

	var learner *agent.Learner
	if *ckptPath != "" {
		c, err := checkpoint.Read(*ckptPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read checkpoint:", err)
			os.Exit(1)
		}
		fmt.Printf("checkpoint v%d instance=%s player=%d episode=%d obs_len=%d gamma=%.3f steps=%d\n",
			c.Header.Version, c.Header.InstanceID, c.Header.PlayerID, c.Header.Episode, c.ObsLen, c.Gamma, c.Adam.T)
		learner = agent.NewLearner(c.ObsLen, c.Adam.LR, c.Gamma)
		if err := learner.Restore(c); err != nil {
			fmt.Fprintln(os.Stderr, "restore checkpoint:", err)
			os.Exit(1)
		}
	}
	if *expPath == "" {
		return
	}

	files, err := listExperienceFiles(*expPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list experience:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no experience files found in", *expPath)
		os.Exit(1)
	}

	var total fileStats
	for _, path := range files {
		st, err := inspectFile(path, learner)
		if err != nil {
			fmt.Fprintln(os.Stderr, "inspect:", err)
			os.Exit(1)
		}
		printStats(filepath.Base(path), upload.PlayerFromName(path), st, learner != nil)
		total.transitions += st.transitions
		total.episodes += st.episodes
		total.rewardSum += st.rewardSum
		total.fires += st.fires
		total.tdAbsSum += st.tdAbsSum
	}
	if len(files) > 1 {
		printStats("total", -1, total, learner != nil)
	}
}

func printStats(name string, player int, st fileStats, scored bool) {
	mean := 0.0
	fireRate := 0.0
	if st.transitions > 0 {
		mean = st.rewardSum / float64(st.transitions)
		fireRate = float64(st.fires) / float64(st.transitions)
	}
	line := fmt.Sprintf("%s: transitions=%d episodes=%d mean_reward=%.4f fire_rate=%.2f", name, st.transitions, st.episodes, mean, fireRate)
	if player >= 0 {
		line += fmt.Sprintf(" player=%d", player)
	}
	if scored && st.transitions > 0 {
		line += fmt.Sprintf(" mean_abs_td=%.4f", st.tdAbsSum/float64(st.transitions))
	}
	fmt.Println(line)
}

func listExperienceFiles(p string) ([]string, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{p}, nil
	}
	ents, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "experience_player") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(p, name))
	}
	return out, nil
}

// inspectFile summarizes one file. With a learner it also accumulates the
// absolute TD(0) error of every transition.
func inspectFile(path string, learner *agent.Learner) (fileStats, error) {
	var st fileStats
	_, err := flog.ReadExperience(path, func(t protocol.Transition) error {
		st.transitions++
		st.rewardSum += t.Reward
		if t.Done {
			st.episodes++
		}
		if len(t.Action) == 3 && t.Action[2] > protocol.AttackThreshold {
			st.fires++
		}
		if learner != nil {
			target := t.Reward
			if !t.Done {
				target += learner.Gamma() * learner.Value(t.NextState)
			}
			st.tdAbsSum += math.Abs(learner.Value(t.State) - target)
		}
		return nil
	})
	return st, err
}
