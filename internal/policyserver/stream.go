package policyserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
)

// ServeStream answers newline-framed observations on ln, one reply line per
// request line, until ctx is cancelled or ln fails.
func (s *Server) ServeStream(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveStreamConn(ctx, conn)
		}()
	}
}

func (s *Server) serveStreamConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		reply, err := s.streamReply(line)
		if err != nil {
			s.logger.Printf("stream %s: %v", conn.RemoteAddr(), err)
			return
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}
