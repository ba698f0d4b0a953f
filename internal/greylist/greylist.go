// Package greylist decides whether a message is accepted now or deferred.
package greylist

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mawis/couriergrey/internal/session"
	"github.com/mawis/couriergrey/internal/store"
	"github.com/mawis/couriergrey/internal/whitelist"
)

const (
	DefaultWindow = 120 * time.Second

	ipv4MappedPrefix = "::ffff:"
)

// AttemptStore runs fn in one scoped store session.
type AttemptStore interface {
	Do(ctx context.Context, fn func(*store.Tx) error) error
}

type Engine struct {
	whitelist whitelist.Matcher
	store     AttemptStore
	window    time.Duration
}

func New(wl whitelist.Matcher, st AttemptStore, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{whitelist: wl, store: st, window: window}
}

// Decide runs the ordered decision list for s.
func (e *Engine) Decide(ctx context.Context, s *session.Session) Verdict {
	if s.Authenticated {
		return Accept(LabelAuthenticated)
	}
	if s.SPF == session.SPFPass {
		return Accept(LabelSPFPass)
	}
	if s.SourceHost == "" {
		return ProtocolError(LabelMissingMTAAddress)
	}

	host := HostLiteral(s.SourceHost)
	if e.isWhitelisted(host, s.SourceHost) {
		return Accept(LabelWhitelisted)
	}

	if len(s.Recipients) == 0 {
		return ProtocolError(LabelMissingRecipient)
	}

	key := IdentityKey(s.Sender, host, s.Recipients)

	var verdict Verdict
	err := e.store.Do(ctx, func(tx *store.Tx) error {
		now := tx.Now().Truncate(time.Second)

		rec, seen, err := tx.Fetch(key)
		switch {
		case errors.Is(err, store.ErrCorruptRecord):
			log.Warn("Replacing undecodable attempt record", "key", key, "error", err)
		case err != nil:
			return err
		}
		if !seen {
			rec = store.Record{FirstSeen: now}
		}

		rec.LastSeen = now
		if err := tx.Save(key, rec); err != nil {
			return err
		}

		remaining := rec.FirstSeen.Add(e.window).Sub(now)
		if remaining <= 0 {
			verdict = Accept(LabelWindowElapsed)
		} else {
			verdict = Deferred(remaining)
		}
		return nil
	})
	if err != nil {
		log.Error("Greylisting store failed", "key", key, "error", err)
		return TemporaryError(err)
	}

	return verdict
}

func (e *Engine) isWhitelisted(host, descriptor string) bool {
	if e.whitelist == nil {
		return false
	}

	ok, err := e.whitelist.IsWhitelisted(host)
	if err != nil {
		log.Info("Cannot parse sending MTA's address", "source", descriptor, "error", err)
		return false
	}
	return ok
}

// HostLiteral extracts the client address from a source host descriptor such
// as "dns; relay.example (relay.example [::ffff:192.0.2.1])". The content of
// the last parenthesis is used if there is one, within that the content of the
// last bracket pair, and an IPv4-mapped prefix is dropped.
func HostLiteral(descriptor string) string {
	host := descriptor

	if pos := strings.LastIndex(host, "("); pos >= 0 {
		host = host[pos+1:]
	}
	if pos := strings.Index(host, ")"); pos >= 0 {
		host = host[:pos]
	}
	if pos := strings.LastIndex(host, "["); pos >= 0 {
		host = host[pos+1:]
	}
	if pos := strings.Index(host, "]"); pos >= 0 {
		host = host[:pos]
	}

	return strings.TrimPrefix(host, ipv4MappedPrefix)
}

// IdentityKey joins sender, host literal and recipients in arrival order.
func IdentityKey(sender, host string, recipients []string) string {
	var b strings.Builder
	b.WriteString(sender)
	b.WriteByte('/')
	b.WriteString(host)
	for _, rcpt := range recipients {
		b.WriteByte('/')
		b.WriteString(rcpt)
	}
	return b.String()
}
