// Package server accepts courierfilter connections and answers each with the
// greylisting verdict for the message it names.
package server

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/net/publicsuffix"

	"github.com/mawis/couriergrey/internal/geolite"
	"github.com/mawis/couriergrey/internal/greylist"
	"github.com/mawis/couriergrey/internal/metrics"
	"github.com/mawis/couriergrey/internal/session"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second

	// DefaultShutdownGrace bounds how long Serve waits for handlers after
	// their connections were closed on shutdown.
	DefaultShutdownGrace = 5 * time.Second
)

// Decider is the decision the server asks for every message.
type Decider interface {
	Decide(ctx context.Context, s *session.Session) greylist.Verdict
}

type Server struct {
	Engine Decider
	Files  session.FileOpener
	Geo    *geolite.Lookup

	// ShutdownGrace overrides DefaultShutdownGrace when positive.
	ShutdownGrace time.Duration

	wg sync.WaitGroup
	mu sync.Mutex
	// open connections, true while the request is still being read
	conns map[net.Conn]bool
}

// Serve accepts connections on ln until ctx is done and handles each one in
// its own goroutine. On the way out it closes ln and every connection whose
// request has not arrived yet, then waits a bounded time for the handlers
// that are still deciding.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer func() {
		stop()
		_ = ln.Close()
		s.closeConns()
		s.waitHandlers()
	}()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			log.Warn("Accepting connection failed", "error", err, "retry_in", backoff)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			// a request that was read completely still gets a real verdict
			s.handle(context.WithoutCancel(ctx), conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[net.Conn]bool)
	}
	s.conns[conn] = true
}

func (s *Server) requestRead(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		s.conns[conn] = false
	}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeConns unblocks handlers still waiting for a peer's request.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, reading := range s.conns {
		if reading {
			_ = conn.Close()
		}
	}
}

func (s *Server) waitHandlers() {
	grace := s.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("Handlers still running after shutdown grace, leaving them behind", "grace", grace)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while handling connection", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	metrics.Connections.Inc()

	lines, err := session.ReadRequest(conn)
	s.requestRead(conn)
	if errors.Is(err, net.ErrClosed) {
		log.Debug("Connection closed by shutdown before the request was complete", "lines", len(lines))
		return
	}
	if err != nil {
		log.Warn("Reading filter request failed", "error", err)
	}

	sess, err := session.Parse(lines, s.Files)
	if err != nil {
		log.Warn("Empty filter request", "error", err)
		sess = &session.Session{}
	}

	verdict := s.Engine.Decide(ctx, sess)

	if _, err := conn.Write([]byte(verdict.Response() + "\n")); err != nil {
		log.Warn("Writing filter response failed", "error", err)
	}

	metrics.Verdicts.WithLabelValues(verdict.Label()).Inc()
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	host := ""
	if sess.SourceHost != "" {
		host = greylist.HostLiteral(sess.SourceHost)
	}

	fields := []any{
		"sender", sess.Sender,
		"host", host,
		"recipients", len(sess.Recipients),
		"verdict", verdict.Label(),
		"code", verdict.Code(),
	}
	if domain := senderDomain(sess.Sender); domain != "" {
		fields = append(fields, "sender_domain", domain)
	}
	if country := s.Geo.Country(host); country != "" {
		fields = append(fields, "country", country)
	}
	if verdict.Kind == greylist.KindDeferred {
		fields = append(fields, "retry_in", verdict.RemainingSeconds())
	}
	log.Info("Filter decision", fields...)
}

// senderDomain returns the registered domain of an envelope sender, so log
// lines from one organisation's many mail hosts group together. It is empty
// for the null sender.
func senderDomain(sender string) string {
	sender = strings.Trim(sender, "<>")
	at := strings.LastIndexByte(sender, '@')
	if at == -1 || at == len(sender)-1 {
		return ""
	}

	domain := strings.ToLower(strings.TrimSuffix(sender[at+1:], "."))
	registered, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return registered
}
