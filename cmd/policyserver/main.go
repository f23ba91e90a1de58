package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ab-shrek/fight-4ever/internal/policyserver"
	"github.com/ab-shrek/fight-4ever/internal/protocol"
	"github.com/ab-shrek/fight-4ever/internal/replay"
)

func main() {
	var (
		host       = flag.String("host", "127.0.0.1", "listen host")
		basePort   = flag.Int("base_port", 5000, "port of player 0; player N listens on base_port+N")
		players    = flag.Int("players", 2, "number of players to serve")
		binding    = flag.String("binding", protocol.BindingHTTP, "http (also serves /ws) or stream")
		seed       = flag.Int64("seed", 1, "random policy seed")
		policyName = flag.String("policy", "random", "random | idle | fire")
		delay      = flag.Duration("delay", 0, "artificial latency before every decision")
		trainEvery = flag.Duration("train_every", 0, "sample a training batch on this interval (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[policyserver] ", log.LstdFlags|log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errCh := make(chan error, *players)
	for p := 0; p < *players; p++ {
		port := *basePort + p
		srv, err := policyserver.New(policyserver.Config{Port: port, Seed: *seed + int64(p), Delay: *delay},
			log.New(os.Stdout, "[policyserver:"+strconv.Itoa(p)+"] ", log.LstdFlags|log.Lmicroseconds))
		if err != nil {
			logger.Fatalf("player %d: %v", p, err)
		}
		switch *policyName {
		case "random":
		case "idle":
			srv.SetPolicy(policyserver.Fixed(protocol.ActionCommand{}))
		case "fire":
			srv.SetPolicy(policyserver.Fixed(protocol.NewActionCommand(0, 0, 1)))
		default:
			logger.Fatalf("unknown -policy %q", *policyName)
		}

		addr := net.JoinHostPort(*host, strconv.Itoa(port))
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- serve(ctx, srv, *binding, addr)
		}()
		if *trainEvery > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				trainLoop(ctx, srv, *trainEvery, logger, p)
			}()
		}
	}

	go func() {
		wg.Wait()
		close(errCh)
	}()
	for err := range errCh {
		if err != nil {
			logger.Printf("listener stopped: %v", err)
			stop()
		}
	}
	logger.Printf("shutdown")
}

func serve(ctx context.Context, srv *policyserver.Server, binding, addr string) error {
	switch binding {
	case protocol.BindingHTTP, protocol.BindingWS:
		return srv.ListenAndServe(ctx, addr)
	case protocol.BindingStream:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		return srv.ServeStream(ctx, ln)
	default:
		return errors.New("unknown binding " + binding)
	}
}

func trainLoop(ctx context.Context, srv *policyserver.Server, every time.Duration, logger *log.Logger, player int) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b, err := srv.Train()
			if errors.Is(err, replay.ErrInsufficientData) {
				continue
			}
			if err != nil {
				logger.Printf("player %d train: %v", player, err)
				continue
			}
			h := srv.Health()
			logger.Printf("player %d train batch=%d buffer=%d steps=%d episodes=%d", player, b.Len(), h.BufferSize, h.TotalSteps, srv.Episodes())
		}
	}
}
