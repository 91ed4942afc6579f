// Package app assembles the full peer: storage, the libp2p node, and the
// matchmaking engine, plus the interactive CLI loop.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anuraghashagile/stangersin--town/internal/config"
	"github.com/anuraghashagile/stangersin--town/internal/engine"
	"github.com/anuraghashagile/stangersin--town/internal/match"
	"github.com/anuraghashagile/stangersin--town/internal/p2p"
	"github.com/anuraghashagile/stangersin--town/internal/state"
	"github.com/anuraghashagile/stangersin--town/internal/storage"
	"github.com/anuraghashagile/stangersin--town/internal/util"
)

// Options carries the resolved peer directory and its configuration.
type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// Run builds the peer stack and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dataDir := util.ResolvePath(opts.PeerDir, cfg.Storage.Dir)
	if err := util.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := storage.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	table := state.NewTable()

	node, err := p2p.New(ctx, p2p.Config{
		ListenPort:    cfg.P2P.ListenPort,
		KeyFile:       util.ResolvePath(opts.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:       cfg.P2P.MdnsTag,
		PresenceTopic: cfg.Presence.Topic,
		TownTopic:     cfg.Presence.TownTopic,
	}, table)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	log.Printf("APP: peer id %s", node.LocalID())

	eng, err := engine.New(engine.Options{
		Adapter:       node,
		Directory:     node,
		Table:         table,
		DB:            db,
		ProfileName:   cfg.Profile.Name,
		ProfileAvatar: cfg.Profile.Avatar,
		Match: match.Policy{
			JitterMin:      time.Duration(cfg.Match.JitterMinMs) * time.Millisecond,
			JitterMax:      time.Duration(cfg.Match.JitterMaxMs) * time.Millisecond,
			ConnectTimeout: time.Duration(cfg.Match.ConnectTimeoutMs) * time.Millisecond,
		},
		PollInterval: time.Duration(cfg.Offline.PollSec) * time.Second,
		Heartbeat:    time.Duration(cfg.Presence.HeartbeatSec) * time.Second,
		PresenceTTL:  time.Duration(cfg.Presence.TTLSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	go printEvents(ctx, eng)
	go readCommands(ctx, eng)

	<-ctx.Done()
	return nil
}

// printEvents mirrors engine events onto the terminal.
func printEvents(ctx context.Context, eng *engine.Engine) {
	ch := eng.Subscribe()
	defer eng.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Type {
			case "session":
				fmt.Printf("** session: %s\n", evt.State)
			case "message":
				if evt.Message != nil {
					fmt.Printf("[%s] %s\n", evt.Message.Sender, evt.Message.Payload)
				}
			case "partner":
				p := eng.Partner()
				if p.Typing {
					fmt.Println("** stranger is typing...")
				}
			case "direct":
				if evt.Direct != nil && evt.Direct.Message != nil {
					fmt.Printf("[dm %s] %s\n", shortID(evt.Direct.From), evt.Direct.Message.Payload)
				}
			case "feed":
				if evt.Feed != nil {
					fmt.Printf("[town %s] %s\n", evt.Feed.Name, evt.Feed.Text)
				}
			case "friends":
				fmt.Println("** friend list changed")
			}
		}
	}
}

// readCommands runs the interactive loop: slash commands mutate state,
// bare lines go to the current partner.
func readCommands(ctx context.Context, eng *engine.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := eng.SendMessage("", line); err != nil {
				fmt.Printf("!! %v\n", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "connect":
			if err := eng.Connect(); err != nil {
				fmt.Printf("!! %v\n", err)
			} else {
				fmt.Println("** searching...")
			}
		case "disconnect":
			eng.Disconnect()
		case "town":
			if _, err := eng.SendTown(arg); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "dm":
			to, text, _ := strings.Cut(arg, " ")
			if _, err := eng.SendDirectMessage(to, strings.TrimSpace(text)); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "call":
			if err := eng.CallPeer(arg); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "befriend":
			target := arg
			if target == "" {
				target = eng.Partner().PeerID
			}
			if err := eng.SendFriendRequest(target); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "accept":
			if err := eng.AcceptFriendRequest(arg); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "reject":
			eng.RejectFriendRequest(arg)
		case "unfriend":
			if err := eng.RemoveFriend(arg); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "friends":
			for _, f := range eng.Friends() {
				fmt.Printf("  %s (%s)\n", f.Name, shortID(f.PeerID))
			}
			for _, r := range eng.FriendRequests() {
				fmt.Printf("  pending: %s [%s]\n", r.Profile.Name, r.Key)
			}
		case "who":
			for _, tp := range eng.Candidates() {
				fmt.Printf("  %s waiting since %d\n", shortID(tp.PeerID), tp.TS)
			}
		case "name":
			eng.UpdateProfile(arg, eng.Profile().Avatar)
		case "vanish":
			if err := eng.SetVanishMode(arg == "on"); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "state":
			fmt.Printf("** %s (partner %s)\n", eng.State(), shortID(eng.Partner().PeerID))
		default:
			fmt.Printf("!! unknown command /%s\n", cmd)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
