// Package match implements the presence-driven FIFO pairing loop.
package match

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/session"
	"github.com/anuraghashagile/stangersin--town/internal/state"
	"github.com/anuraghashagile/stangersin--town/internal/transport"
	"github.com/anuraghashagile/stangersin--town/internal/util"
)

// Policy tunes attempt timing. After and Jitter are injectable so tests
// drive the loop with a controllable clock; nil means real time.
type Policy struct {
	JitterMin      time.Duration
	JitterMax      time.Duration
	ConnectTimeout time.Duration

	After  func(d time.Duration) <-chan time.Time
	Jitter func(min, max time.Duration) time.Duration
}

func (p Policy) after(d time.Duration) <-chan time.Time {
	if p.After != nil {
		return p.After(d)
	}
	return time.After(d)
}

func (p Policy) jitter() time.Duration {
	if p.Jitter != nil {
		return p.Jitter(p.JitterMin, p.JitterMax)
	}
	return util.Jitter(p.JitterMin, p.JitterMax)
}

// Matchmaker scans the presence snapshot while the session is Searching
// and drives main connection attempts. It only initiates; the lifecycle
// controller's slot guard decides every collision.
type Matchmaker struct {
	adapter transport.Adapter
	reg     *session.Registry
	table   *state.Table
	ctrl    *session.Controller
	pol     Policy

	wake chan struct{}

	mu            sync.Mutex
	attemptCancel chan struct{}
}

func New(adapter transport.Adapter, reg *session.Registry, table *state.Table, ctrl *session.Controller, pol Policy) *Matchmaker {
	if pol.JitterMin <= 0 {
		pol.JitterMin = 100 * time.Millisecond
	}
	if pol.JitterMax < pol.JitterMin {
		pol.JitterMax = 600 * time.Millisecond
	}
	if pol.ConnectTimeout <= 0 {
		pol.ConnectTimeout = util.DefaultConnectTimeout
	}
	return &Matchmaker{
		adapter: adapter,
		reg:     reg,
		table:   table,
		ctrl:    ctrl,
		pol:     pol,
		wake:    make(chan struct{}, 1),
	}
}

// Run rescans on every presence or session change until ctx is done.
func (m *Matchmaker) Run(ctx context.Context) {
	regCh := m.reg.Subscribe()
	tblCh := m.table.Subscribe()
	defer m.reg.Unsubscribe(regCh)
	defer m.table.Unsubscribe(tblCh)

	for {
		select {
		case <-ctx.Done():
			m.cancelTimeout()
			return
		case <-regCh:
		case <-tblCh:
		case <-m.wake:
		}
		m.scan(ctx)
	}
}

// Wake nudges the loop without a state change.
func (m *Matchmaker) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// NoteMainOpen disarms the attempt timer after a successful open.
func (m *Matchmaker) NoteMainOpen() {
	m.cancelTimeout()
}

// NoteMainGone disarms the timer when an attempt or session ends. A failed
// attempt (never connected) triggers an immediate rescan.
func (m *Matchmaker) NoteMainGone(wasConnected bool) {
	m.cancelTimeout()
	if !wasConnected {
		m.Wake()
	}
}

// scan runs one pairing round: claim the attempt slot, pick the oldest
// eligible waiter, jitter, re-validate, connect, arm the timeout, start.
func (m *Matchmaker) scan(ctx context.Context) {
	if !m.reg.TryBeginAttempt() {
		return
	}

	cand, ok := m.pick()
	if !ok {
		m.reg.EndAttempt()
		return
	}

	// Jitter lowers the odds that two simultaneous searchers dial each
	// other in the same instant and both lose to the other's slot guard.
	select {
	case <-ctx.Done():
		m.reg.EndAttempt()
		return
	case <-m.pol.after(m.pol.jitter()):
	}

	// Re-validate at the point of action: an inbound main may have taken
	// the slot during the delay, or the search may have been cancelled.
	if !m.reg.StillSearchingAndFree() {
		m.reg.EndAttempt()
		return
	}
	if tp, ok := m.table.Get(cand); !ok || tp.Status != proto.StatusWaiting {
		m.reg.EndAttempt()
		m.Wake()
		return
	}

	conn, err := m.adapter.Connect(ctx, cand, transport.RoleMain)
	if err != nil {
		log.Printf("MATCH: connect to %s failed: %v", shortID(cand), err)
		m.reg.Blacklist(cand)
		m.reg.EndAttempt()
		m.Wake()
		return
	}

	// The timer must be live before the conn starts: the open event can
	// arrive during Start, and its cancel has to find this attempt's
	// channel.
	log.Printf("MATCH: attempting %s", shortID(cand))
	m.armTimeout(cand, conn)
	if !m.ctrl.AdoptMain(conn) {
		m.cancelTimeout()
		m.reg.EndAttempt()
		return
	}
}

// pick returns the oldest unfiltered waiter (FIFO fairness).
func (m *Matchmaker) pick() (string, bool) {
	self := m.adapter.LocalID()
	var cands []state.Tuple
	for id, tp := range m.table.Snapshot() {
		if id == self || tp.Status != proto.StatusWaiting || m.reg.IsBlacklisted(id) {
			continue
		}
		cands = append(cands, tp)
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].TS != cands[j].TS {
			return cands[i].TS < cands[j].TS
		}
		return cands[i].PeerID < cands[j].PeerID
	})
	return cands[0].PeerID, true
}

// armTimeout arms exactly one timer per attempt, before the conn starts.
// On expiry the candidate is blacklisted and the connection closed; the
// close event releases the slot and the loop retries against the
// remaining waiters.
func (m *Matchmaker) armTimeout(cand string, conn transport.Conn) {
	cancel := make(chan struct{})

	m.mu.Lock()
	m.attemptCancel = cancel
	m.mu.Unlock()

	go func() {
		select {
		case <-cancel:
		case <-m.pol.after(m.pol.ConnectTimeout):
			// Never tear down a session that opened while the expiry
			// raced the cancel.
			if mc, open := m.reg.MainConn(); open && mc == conn {
				return
			}
			log.Printf("MATCH: attempt to %s timed out", shortID(cand))
			m.reg.Blacklist(cand)
			_ = conn.Close()
		}
	}()
}

func (m *Matchmaker) cancelTimeout() {
	m.mu.Lock()
	if m.attemptCancel != nil {
		close(m.attemptCancel)
		m.attemptCancel = nil
	}
	m.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
