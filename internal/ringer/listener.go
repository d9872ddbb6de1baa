// Package ringer watches the relay for incoming call invitations. Exactly
// one Listener exists per local identity for the process's lifetime —
// competing subscriptions to the same channel produce duplicated delivery,
// so construction is guarded and a second Listener for the same identity is
// refused outright.
package ringer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parleyapp/parley/internal/relay"
	"github.com/parleyapp/parley/internal/util"
)

// Notifier dispatches the OS-level call notification. Fire-and-forget: no
// feedback contract beyond shown-or-not.
type Notifier interface {
	Show(callID, caller string, kind relay.MediaKind)
	Dismiss(callID string)
}

// Chime is the audible ringing effect.
type Chime interface {
	Start()
	Stop()
}

// Invitation is one surfaced incoming call.
type Invitation struct {
	CallID string          `json:"call_id"`
	Caller string          `json:"caller"`
	Kind   relay.MediaKind `json:"media_kind"`
}

// Event is delivered to Subscribe channels: a new surfaced invitation or
// the clearing of the current one.
type Event struct {
	Type       string     `json:"type"` // "ringing" | "cleared"
	Invitation Invitation `json:"invitation"`
}

// registry enforces one Listener per identity per process.
var (
	registryMu sync.Mutex
	registry   = map[string]bool{}
)

// Listener surfaces at most one invitation at a time. While one is pending,
// any further ringing invitation is auto-declined busy — deterministic, no
// silent overwrite.
type Listener struct {
	rel      relay.Client
	self     string
	notifier Notifier
	chime    Chime
	interval time.Duration

	mu           sync.Mutex
	active       *Invitation
	cancelStatus func()
	closed       bool

	subMu sync.RWMutex
	subs  map[chan Event]struct{}

	recent *util.RingBuffer[Invitation]

	done chan struct{}
}

// Config for NewListener. PollInterval is the backup reconciliation poll
// for invitations whose push notification was missed; default 2s.
type Config struct {
	Relay        relay.Client
	Self         string
	Notifier     Notifier
	Chime        Chime
	PollInterval time.Duration
}

// NewListener constructs and starts the listener: subscribes for status
// pushes, does the catch-up check for an invitation that arrived before
// this process, and starts the backup poll.
func NewListener(cfg Config) (*Listener, error) {
	if cfg.Relay == nil || cfg.Self == "" {
		return nil, fmt.Errorf("ringer: relay and self identity are required")
	}

	registryMu.Lock()
	if registry[cfg.Self] {
		registryMu.Unlock()
		return nil, fmt.Errorf("ringer: listener already running for %s", cfg.Self)
	}
	registry[cfg.Self] = true
	registryMu.Unlock()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	l := &Listener{
		rel:      cfg.Relay,
		self:     cfg.Self,
		notifier: cfg.Notifier,
		chime:    cfg.Chime,
		interval: cfg.PollInterval,
		subs:     make(map[chan Event]struct{}),
		recent:   util.NewRingBuffer[Invitation](32),
		done:     make(chan struct{}),
	}

	l.cancelStatus = cfg.Relay.SubscribeStatus("", l.onStatus)
	l.checkPending()
	go l.pollLoop()

	log.Printf("RING: listening for calls to %s", cfg.Self)
	return l, nil
}

// Close tears the listener down. Called on logout/shutdown; frees the
// identity slot so a future login can construct a new Listener.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancel := l.cancelStatus
	l.mu.Unlock()

	close(l.done)
	if cancel != nil {
		cancel()
	}
	l.clear("")

	registryMu.Lock()
	delete(registry, l.self)
	registryMu.Unlock()
}

// Active returns the currently surfaced invitation, if any.
func (l *Listener) Active() (Invitation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return Invitation{}, false
	}
	return *l.active, true
}

// Recent returns the invitations surfaced since startup, oldest first.
func (l *Listener) Recent() []Invitation {
	return l.recent.Snapshot()
}

// LastRing returns the most recently surfaced invitation, whether or not
// it is still pending. The UI's "missed call" hint reads this.
func (l *Listener) LastRing() (Invitation, bool) {
	return l.recent.Last()
}

// Subscribe returns a channel of ringing/cleared events. The caller must
// Unsubscribe on disconnect so stale channels never accumulate.
func (l *Listener) Subscribe() chan Event {
	ch := make(chan Event, 8)
	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a Subscribe channel.
func (l *Listener) Unsubscribe(ch chan Event) {
	l.subMu.Lock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
	l.subMu.Unlock()
}

// onStatus handles every status push: new invitations for us, and terminal
// transitions of the invitation currently surfaced.
func (l *Listener) onStatus(rec relay.StatusRecord) {
	if rec.Status == relay.StatusRinging && rec.Callee == l.self {
		l.surface(Invitation{CallID: rec.CallID, Caller: rec.Caller, Kind: rec.MediaKind})
		return
	}
	if rec.Status != relay.StatusRinging {
		// Accepted, declined or ended — locally or remotely — dismisses the
		// surfaced invitation immediately.
		l.clear(rec.CallID)
	}
}

// surface shows one invitation. A duplicate notification for the surfaced
// call collapses; a different call while one is pending is declined busy.
func (l *Listener) surface(inv Invitation) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.active != nil {
		pending := l.active.CallID
		l.mu.Unlock()
		if pending == inv.CallID {
			return
		}
		l.declineBusy(inv.CallID)
		return
	}
	l.active = &inv
	l.mu.Unlock()
	l.recent.Push(inv)

	log.Printf("RING: incoming %s call %s from %s", inv.Kind, inv.CallID, inv.Caller)
	if l.notifier != nil {
		l.notifier.Show(inv.CallID, inv.Caller, inv.Kind)
	}
	if l.chime != nil {
		l.chime.Start()
	}
	l.broadcast(Event{Type: "ringing", Invitation: inv})
}

// clear dismisses the surfaced invitation when callID matches it, or any
// surfaced invitation when callID is empty.
func (l *Listener) clear(callID string) {
	l.mu.Lock()
	if l.active == nil || (callID != "" && l.active.CallID != callID) {
		l.mu.Unlock()
		return
	}
	inv := *l.active
	l.active = nil
	l.mu.Unlock()

	log.Printf("RING: cleared %s", inv.CallID)
	if l.notifier != nil {
		l.notifier.Dismiss(inv.CallID)
	}
	if l.chime != nil {
		l.chime.Stop()
	}
	l.broadcast(Event{Type: "cleared", Invitation: inv})
}

func (l *Listener) declineBusy(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	ok, err := l.rel.UpdateStatus(ctx, callID, relay.StatusDeclined, "busy")
	if err != nil {
		log.Printf("RING: busy decline of %s: %v", callID, err)
		return
	}
	if ok {
		log.Printf("RING: declined %s, already on a call", callID)
	}
}

// checkPending is the catch-up read: an invitation written before our
// subscription existed still rings.
func (l *Listener) checkPending() {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()
	rec, found, err := l.rel.RingingCallFor(ctx, l.self)
	if err != nil {
		log.Printf("RING: pending invitation check: %v", err)
		return
	}
	if found {
		l.surface(Invitation{CallID: rec.CallID, Caller: rec.Caller, Kind: rec.MediaKind})
	}
}

// pollLoop is the backup for missed pushes, and also withdraws a surfaced
// invitation whose record went terminal while we weren't told.
func (l *Listener) pollLoop() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.reconcile()
		}
	}
}

func (l *Listener) reconcile() {
	l.mu.Lock()
	active := l.active
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	if active != nil {
		rec, err := l.rel.PollStatus(ctx, active.CallID)
		if err != nil {
			if !errors.Is(err, relay.ErrNotFound) {
				log.Printf("RING: reconcile poll: %v", err)
			}
			return
		}
		if rec.Status != relay.StatusRinging {
			l.clear(active.CallID)
		}
		return
	}
	l.checkPending()
}

func (l *Listener) broadcast(ev Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for ch := range l.subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer — drop rather than block the relay callback.
		}
	}
}
