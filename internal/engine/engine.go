// Package engine wires the matchmaking, session, chat, friends, offline
// and feed subsystems together and exposes the caller-facing action set.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/chat"
	"github.com/anuraghashagile/stangersin--town/internal/feed"
	"github.com/anuraghashagile/stangersin--town/internal/friends"
	"github.com/anuraghashagile/stangersin--town/internal/match"
	"github.com/anuraghashagile/stangersin--town/internal/offline"
	"github.com/anuraghashagile/stangersin--town/internal/presence"
	"github.com/anuraghashagile/stangersin--town/internal/proto"
	"github.com/anuraghashagile/stangersin--town/internal/session"
	"github.com/anuraghashagile/stangersin--town/internal/state"
	"github.com/anuraghashagile/stangersin--town/internal/storage"
	"github.com/anuraghashagile/stangersin--town/internal/transport"

	"github.com/google/uuid"
)

const userIDKey = "user_id"

// Options configures an Engine. Adapter, Directory, Table and DB are
// required; zero durations fall back to defaults.
type Options struct {
	Adapter   transport.Adapter
	Directory presence.Directory
	Table     *state.Table
	DB        *storage.DB

	ProfileName   string
	ProfileAvatar string

	Match        match.Policy
	PollInterval time.Duration
	Heartbeat    time.Duration
	PresenceTTL  time.Duration
	FeedCapacity int
}

// PartnerInfo is the partner-derived ephemeral state of the main session.
type PartnerInfo struct {
	PeerID    string        `json:"peerId"`
	Profile   proto.Profile `json:"profile"`
	Typing    bool          `json:"typing"`
	Recording bool          `json:"recording"`
	Vanish    bool          `json:"vanish"`
}

// Event is the engine's outbound notification to UI callers.
type Event struct {
	Type    string            `json:"type"` // session|message|partner|direct|friends|feed
	State   session.State     `json:"state,omitempty"`
	Message *chat.Message     `json:"message,omitempty"`
	Direct  *chat.DirectEvent `json:"direct,omitempty"`
	Feed    *feed.Entry       `json:"feed,omitempty"`
	PeerID  string            `json:"peerId,omitempty"`
}

// Engine is one participant's matchmaking and session runtime.
type Engine struct {
	adapter transport.Adapter
	dir     presence.Directory
	table   *state.Table
	db      *storage.DB

	reg        *session.Registry
	ctrl       *session.Controller
	mm         *match.Matchmaker
	transcript *chat.Transcript
	disp       *chat.Dispatcher
	friends    *friends.Manager
	offline    *offline.Manager
	feed       *feed.Feed

	heartbeat   time.Duration
	presenceTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	profile   proto.Profile
	partner   PartnerInfo
	vanish    bool
	listeners []chan Event
}

func New(opts Options) (*Engine, error) {
	if opts.Adapter == nil || opts.Directory == nil || opts.Table == nil || opts.DB == nil {
		return nil, fmt.Errorf("engine: adapter, directory, table and db are required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 20 * time.Second
	}

	e := &Engine{
		adapter:     opts.Adapter,
		dir:         opts.Directory,
		table:       opts.Table,
		db:          opts.DB,
		reg:         session.NewRegistry(),
		transcript:  chat.NewTranscript(chat.DefaultWindow),
		friends:     friends.New(opts.DB),
		heartbeat:   opts.Heartbeat,
		presenceTTL: opts.PresenceTTL,
	}

	e.profile = proto.Profile{
		UserID: e.loadOrCreateUserID(),
		Name:   opts.ProfileName,
		Avatar: opts.ProfileAvatar,
	}

	e.disp = chat.NewDispatcher(e.transcript, chat.Hooks{
		SendSeen:         e.sendSeen,
		PartnerProfile:   e.setPartnerProfile,
		PartnerTyping:    func(on bool) { e.setPartnerFlag(func(p *PartnerInfo) { p.Typing = on }) },
		PartnerRecording: func(on bool) { e.setPartnerFlag(func(p *PartnerInfo) { p.Recording = on }) },
		PartnerVanish:    func(on bool) { e.setPartnerFlag(func(p *PartnerInfo) { p.Vanish = on }) },
		DisconnectMain:   e.closeMain,
		FriendRequest:    e.onFriendRequest,
		FriendAccept:     e.onFriendAccept,
		DirectEvent:      e.onDirectEvent,
	})

	e.ctrl = session.NewController(e.reg, session.Hooks{
		SelfProfile:    e.Profile,
		OnMainOpen:     e.onMainOpen,
		OnMainClosed:   e.onMainClosed,
		OnDirectOpen:   func(remote string) { e.emit(Event{Type: "direct", PeerID: remote}) },
		OnDirectClosed: func(remote string) { e.emit(Event{Type: "direct", PeerID: remote}) },
		Dispatch:       e.disp.Dispatch,
	})
	e.adapter.SetAcceptHandler(e.ctrl.HandleInbound)

	e.mm = match.New(e.adapter, e.reg, e.table, e.ctrl, opts.Match)

	e.offline = offline.New(opts.DB, e.adapter.LocalID(), e.reg.GetDirect, e.onOfflineReceive, opts.PollInterval)

	e.feed = feed.New(e.adapter.LocalID, opts.FeedCapacity, feed.DefaultDedupWindow)
	e.dir.SetTownHandler(func(msg proto.TownMsg) { e.feed.Add(msg) })

	e.friends.SetOnChange(func() { e.emit(Event{Type: "friends"}) })

	return e, nil
}

// Start launches the background loops: matchmaking, offline polling,
// presence heartbeat, and event forwarding. It also seeds the town feed
// from the durable log and announces us as idle.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if history, err := e.db.FetchBroadcastHistory(feed.DefaultCapacity); err != nil {
		log.Printf("ENGINE: feed history load failed: %v", err)
	} else {
		e.feed.LoadHistory(history)
	}

	go e.mm.Run(e.ctx)
	go e.offline.Run(e.ctx)
	go e.heartbeatLoop(e.ctx)
	go e.forwardTranscript(e.ctx)
	go e.forwardFeed(e.ctx)

	e.publishPresence()
	return nil
}

// Close stops all loops and leaves the lobby.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	_ = e.dir.Untrack()
	if conn, _ := e.reg.MainConn(); conn != nil {
		_ = conn.Close()
	}
	return nil
}

// ── Actions ────────────────────────────────────────────────────────────

// Connect starts searching for a stranger.
func (e *Engine) Connect() error {
	if e.reg.State() == session.StateConnected {
		return fmt.Errorf("already connected")
	}
	e.reg.StartSearch()
	e.publishPresence()
	e.mm.Wake()
	return nil
}

// Disconnect ends the current session or cancels the search.
func (e *Engine) Disconnect() {
	switch e.reg.State() {
	case session.StateConnected:
		e.sendMain(proto.Envelope{Kind: proto.KindDisconnect})
		e.closeMain()
	case session.StateSearching:
		e.reg.StopSearch()
		e.publishPresence()
	}
}

// SendMessage sends a chat message to the partner and appends it locally.
func (e *Engine) SendMessage(dataKind, payload string) (*chat.Message, error) {
	if e.reg.State() != session.StateConnected {
		return nil, fmt.Errorf("not connected")
	}
	if dataKind == "" {
		dataKind = proto.DataText
	}
	msg := chat.NewOutgoing(dataKind, payload)
	e.transcript.Append(msg)
	err := e.sendMain(proto.Envelope{
		Kind:     proto.KindMessage,
		ID:       msg.ID,
		DataKind: dataKind,
		Payload:  proto.MarshalPayload(payload),
	})
	if err != nil {
		return msg, fmt.Errorf("send failed: %w", err)
	}
	return msg, nil
}

// SendReaction reacts to a transcript message by id.
func (e *Engine) SendReaction(messageID, emoji string) error {
	e.transcript.AddReaction(messageID, emoji, chat.SenderMe)
	return e.sendMain(proto.Envelope{
		Kind:      proto.KindReaction,
		MessageID: messageID,
		Payload:   proto.MarshalPayload(proto.ReactionPayload{Emoji: emoji}),
	})
}

// EditMessage replaces a previously sent message's text.
func (e *Engine) EditMessage(messageID, payload string) error {
	e.transcript.Edit(messageID, payload)
	return e.sendMain(proto.Envelope{
		Kind:      proto.KindEditMessage,
		MessageID: messageID,
		Payload:   proto.MarshalPayload(payload),
	})
}

// SendTyping toggles the typing indicator on the main session.
func (e *Engine) SendTyping(on bool) error {
	return e.sendFlag(proto.KindTyping, on)
}

// SendRecording toggles the recording indicator on the main session.
func (e *Engine) SendRecording(on bool) error {
	return e.sendFlag(proto.KindRecording, on)
}

// SetVanishMode toggles local vanish mode and informs the partner.
func (e *Engine) SetVanishMode(on bool) error {
	e.mu.Lock()
	e.vanish = on
	e.mu.Unlock()
	return e.sendFlag(proto.KindVanishMode, on)
}

// UpdateProfile changes the display identity, republishing presence and
// re-handshaking an active session.
func (e *Engine) UpdateProfile(name, avatar string) {
	e.mu.Lock()
	e.profile.Name = name
	e.profile.Avatar = avatar
	p := e.profile
	e.mu.Unlock()

	e.publishPresence()
	if e.reg.State() == session.StateConnected {
		_ = e.sendMain(proto.Envelope{Kind: proto.KindProfile, Payload: proto.MarshalPayload(p)})
	}
}

// SendDirectMessage sends a message to a known peer over the direct
// channel, spooling to the durable store when no connection is open.
// Returns the message id.
func (e *Engine) SendDirectMessage(recipient, payload string) (string, error) {
	env := proto.Envelope{
		Kind:     proto.KindMessage,
		ID:       uuid.NewString(),
		DataKind: proto.DataText,
		Payload:  proto.MarshalPayload(payload),
	}
	if err := e.offline.SendDirect(recipient, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// CallPeer opens a direct connection to a known peer. Callable before
// Start, when the engine context does not exist yet.
func (e *Engine) CallPeer(recipient string) error {
	if _, ok := e.reg.GetDirect(recipient); ok {
		return nil
	}
	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := e.adapter.Connect(ctx, recipient, transport.RoleDirect)
	if err != nil {
		return fmt.Errorf("call %s: %w", recipient, err)
	}
	e.ctrl.AdoptDirect(conn)
	return nil
}

// SendFriendRequest asks a peer to become a friend. Routed over the main
// session when the peer is the current partner, else via direct/spool.
func (e *Engine) SendFriendRequest(peerID string) error {
	env := proto.Envelope{
		Kind:    proto.KindFriendRequest,
		Payload: proto.MarshalPayload(e.Profile()),
	}
	if e.reg.Partner() == peerID {
		return e.sendMain(env)
	}
	return e.offline.SendDirect(peerID, env)
}

// AcceptFriendRequest promotes a pending request and notifies the sender.
func (e *Engine) AcceptFriendRequest(key string) error {
	req, err := e.friends.Accept(key)
	if err != nil {
		return err
	}
	if req.PeerID == "" {
		return nil // already a friend, nothing to notify
	}
	env := proto.Envelope{
		Kind:    proto.KindFriendAccept,
		Payload: proto.MarshalPayload(e.Profile()),
	}
	if e.reg.Partner() == req.PeerID {
		return e.sendMain(env)
	}
	return e.offline.SendDirect(req.PeerID, env)
}

// RejectFriendRequest drops a pending request.
func (e *Engine) RejectFriendRequest(key string) {
	e.friends.Reject(key)
}

// RemoveFriend deletes a friend.
func (e *Engine) RemoveFriend(key string) error {
	return e.friends.Remove(key)
}

// SendTown broadcasts to the town square: durable log plus live pubsub.
// With vanish mode on, the durable write is skipped.
func (e *Engine) SendTown(text string) (proto.TownMsg, error) {
	e.mu.Lock()
	vanish := e.vanish
	name := e.profile.Name
	e.mu.Unlock()

	msg := proto.TownMsg{
		ID:   uuid.NewString(),
		From: e.adapter.LocalID(),
		Name: name,
		Text: text,
		TS:   proto.NowMillis(),
	}
	if !vanish {
		if err := e.db.InsertBroadcastMessage(msg); err != nil {
			log.Printf("ENGINE: broadcast log write failed: %v", err)
		}
	}
	e.feed.Add(msg)
	if err := e.dir.SendTown(msg); err != nil {
		return msg, fmt.Errorf("broadcast: %w", err)
	}
	return msg, nil
}

// ── Read side ──────────────────────────────────────────────────────────

func (e *Engine) LocalID() string { return e.adapter.LocalID() }

func (e *Engine) State() session.State { return e.reg.State() }

func (e *Engine) Profile() proto.Profile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

func (e *Engine) Partner() PartnerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.partner
	p.PeerID = e.reg.Partner()
	return p
}

func (e *Engine) Transcript() []chat.Message { return e.transcript.Snapshot() }

// Candidates returns the peers currently waiting in the lobby, for the
// online list.
func (e *Engine) Candidates() []state.Tuple {
	var out []state.Tuple
	for id, tp := range e.table.Snapshot() {
		if id == e.adapter.LocalID() || tp.Status != proto.StatusWaiting {
			continue
		}
		out = append(out, tp)
	}
	return out
}

func (e *Engine) Friends() []storage.Friend { return e.friends.Friends() }

func (e *Engine) FriendRequests() []friends.Request { return e.friends.Requests() }

func (e *Engine) DirectPeers() []string { return e.reg.DirectPeers() }

func (e *Engine) TownFeed() []feed.Entry { return e.feed.Snapshot() }

// Subscribe returns a channel of engine events for UI callers.
func (e *Engine) Subscribe() chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, 32)
	e.listeners = append(e.listeners, ch)
	return ch
}

func (e *Engine) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, listener := range e.listeners {
		if listener == ch {
			close(listener)
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

// ── Lifecycle callbacks ────────────────────────────────────────────────

func (e *Engine) onMainOpen(remote string) {
	e.mm.NoteMainOpen()
	e.transcript.Clear()
	e.transcript.Append(chat.NewNotice("connected to a stranger"))
	e.publishPresence()
	e.emit(Event{Type: "session", State: session.StateConnected, PeerID: remote})
}

func (e *Engine) onMainClosed(remote string, wasConnected bool) {
	e.mm.NoteMainGone(wasConnected)
	if !wasConnected {
		return // failed attempt: the matchmaker silently retries
	}
	e.mu.Lock()
	e.partner = PartnerInfo{}
	e.mu.Unlock()
	e.transcript.Append(chat.NewNotice("stranger disconnected"))
	e.publishPresence()
	e.emit(Event{Type: "session", State: session.StateDisconnected, PeerID: remote})
}

func (e *Engine) onFriendRequest(peerID string, p proto.Profile) {
	e.friends.AddRequest(peerID, p)
}

func (e *Engine) onFriendAccept(peerID string, p proto.Profile) {
	if err := e.friends.AddFriend(peerID, p); err != nil {
		log.Printf("ENGINE: friend accept from %s failed: %v", peerID, err)
	}
}

func (e *Engine) onDirectEvent(evt chat.DirectEvent) {
	if evt.Kind == proto.KindProfile {
		e.friends.NoteProfile(evt.From, evt.Profile)
	}
	copyEvt := evt
	e.emit(Event{Type: "direct", Direct: &copyEvt, PeerID: evt.From})
}

// onOfflineReceive surfaces a spooled envelope through the same dispatch
// table as live direct traffic.
func (e *Engine) onOfflineReceive(from string, env proto.Envelope) {
	e.disp.Dispatch(transport.RoleDirect, from, env)
}

// ── Internals ──────────────────────────────────────────────────────────

func (e *Engine) sendMain(env proto.Envelope) error {
	conn, open := e.reg.MainConn()
	if conn == nil || !open {
		return fmt.Errorf("no open main connection")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

func (e *Engine) sendFlag(kind string, on bool) error {
	return e.sendMain(proto.Envelope{
		Kind:    kind,
		Payload: proto.MarshalPayload(proto.BoolPayload{On: on}),
	})
}

func (e *Engine) sendSeen(messageID string) {
	_ = e.sendMain(proto.Envelope{Kind: proto.KindSeen, MessageID: messageID})
}

func (e *Engine) closeMain() {
	if conn, _ := e.reg.MainConn(); conn != nil {
		_ = conn.Close()
	}
}

func (e *Engine) setPartnerProfile(p proto.Profile) {
	e.setPartnerFlag(func(pi *PartnerInfo) { pi.Profile = p })
}

func (e *Engine) setPartnerFlag(mut func(*PartnerInfo)) {
	e.mu.Lock()
	mut(&e.partner)
	e.mu.Unlock()
	e.emit(Event{Type: "partner"})
}

// publishPresence tracks our tuple with the status derived from the
// session state.
func (e *Engine) publishPresence() {
	status := proto.StatusIdle
	switch e.reg.State() {
	case session.StateSearching:
		status = proto.StatusWaiting
	case session.StateConnected:
		status = proto.StatusPaired
	}
	if err := e.dir.Track(status, e.Profile()); err != nil {
		log.Printf("ENGINE: presence publish failed: %v", err)
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(e.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.publishPresence()
			e.table.PruneStale(time.Now().Add(-e.presenceTTL))
		}
	}
}

func (e *Engine) forwardTranscript(ctx context.Context) {
	ch := e.transcript.Subscribe()
	defer e.transcript.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			e.emit(Event{Type: "message", Message: m})
		}
	}
}

func (e *Engine) forwardFeed(ctx context.Context) {
	ch := e.feed.Subscribe()
	defer e.feed.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			cp := entry
			e.emit(Event{Type: "feed", Feed: &cp})
		}
	}
}

func (e *Engine) emit(evt Event) {
	e.mu.Lock()
	for _, ch := range e.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
	e.mu.Unlock()
}

// loadOrCreateUserID returns the stable user id, minting one on first run.
func (e *Engine) loadOrCreateUserID() string {
	if v, ok := e.db.GetMeta(userIDKey); ok && v != "" {
		return v
	}
	id := uuid.NewString()
	if err := e.db.SetMeta(userIDKey, id); err != nil {
		log.Printf("ENGINE: persist user id failed: %v", err)
	}
	return id
}
