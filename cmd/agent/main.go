// strudual-agent joins a collaboration room and mirrors the two shared
// editors into files in a working directory: strudel.js for the pattern
// and punctual.txt for the visuals. Edit the files with any editor; remote
// changes are written back as they arrive.
//
// Send SIGUSR1 to ask every peer to evaluate.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"

	"github.com/dustinlacewell/strudual/internal/awareness"
	"github.com/dustinlacewell/strudual/internal/collab"
	"github.com/dustinlacewell/strudual/internal/config"
	"github.com/dustinlacewell/strudual/internal/logging"
	"github.com/dustinlacewell/strudual/internal/roomlink"
	"github.com/dustinlacewell/strudual/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	cfg  *config.Agent
	link string
}

func parseFlags(args []string) (*options, error) {
	cfg, err := config.LoadAgent()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	opts := &options{cfg: cfg}

	flagSet := pflag.NewFlagSet("strudual-agent", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay URL (default: discover over mDNS)")
	flagSet.StringVarP(&cfg.Username, "user", "u", cfg.Username, "display name")
	flagSet.StringVarP(&cfg.Room, "room", "r", cfg.Room, "room to join")
	flagSet.StringVar(&opts.link, "link", "", "shared link or query (?user:room) to join from")
	flagSet.StringVarP(&cfg.Dir, "dir", "d", cfg.Dir, "directory holding strudel.js and punctual.txt")
	flagSet.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "how often the files are checked for changes")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// target resolves the room and name to join: a link wins over flags, and a
// flag fills in a name the link leaves out.
func (o *options) target() (roomlink.Params, error) {
	p := roomlink.Params{Username: o.cfg.Username, Room: o.cfg.Room}
	if o.link != "" {
		fromLink, err := roomlink.FromURL(o.link)
		if err != nil {
			return roomlink.Params{}, fmt.Errorf("parse link: %w", err)
		}
		if fromLink.Username == "" {
			fromLink.Username = p.Username
		}
		p = fromLink
	}
	if !p.AutoConnect() {
		return roomlink.Params{}, errors.New("no room given: use --room or --link")
	}
	return p, nil
}

func relayURL(ctx context.Context, cfg *config.Agent) (string, error) {
	if cfg.RelayURL != "" {
		return cfg.RelayURL, nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.DiscoverTimeout)
	defer cancel()

	slog.Info("Looking for a relay on the local network")
	url, err := transport.Discover(ctx)
	if err != nil {
		return "", fmt.Errorf("discover relay: %w", err)
	}
	slog.Info("Found relay", "url", url)
	return url, nil
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg := opts.cfg
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	target, err := opts.target()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url, err := relayURL(ctx, cfg)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	coord := collab.New(
		&transport.Backend{URL: url, Clock: clock, Logger: logger},
		collab.WithClock(clock),
		collab.WithLogger(logger),
		collab.WithConnectTimeout(cfg.ConnectTimeout),
	)

	host := collab.NewHost()
	mirrors := make([]*mirror, 0, len(collab.Slots))
	for _, slot := range collab.Slots {
		m, err := newMirror(cfg.Dir, slot, logger)
		if err != nil {
			return err
		}
		if err := coord.BindEditor(slot, m.buf, m.buf); err != nil {
			return err
		}
		m.buf.OnFocus(func() { host.SetActiveEditor(slot) })
		mirrors = append(mirrors, m)
	}

	host.Attach(coord)
	defer host.Detach()
	watchHost(host, logger)

	if _, err := host.AutoConnect(ctx, target); err != nil {
		return fmt.Errorf("connect to room %q: %w", target.Room, err)
	}
	logger.Info("Joined room",
		"room", target.Room,
		"user", target.Username,
		"link", host.Link(),
	)

	return loop(ctx, clock, cfg, host, mirrors, logger)
}

// watchHost logs what the room is doing.
func watchHost(host *collab.Host, logger *slog.Logger) {
	var mu sync.Mutex
	last := ""
	host.OnChange(func(st collab.HostState) {
		label := collab.StatusLabel(st.Status, st.PeerCount)
		mu.Lock()
		changed := label != last
		last = label
		mu.Unlock()
		if !changed {
			return
		}
		names := make([]string, 0, len(st.Peers))
		for _, p := range st.Peers {
			names = append(names, p.Name)
		}
		logger.Info(label, "peers", names)
	})
	host.OnEvaluate(func(from awareness.PeerID) {
		logger.Info("Evaluate requested", "from", from)
	})
}

func loop(ctx context.Context, clock clockwork.Clock, cfg *config.Agent, host *collab.Host, mirrors []*mirror, logger *slog.Logger) error {
	evaluate := make(chan os.Signal, 1)
	signal.Notify(evaluate, syscall.SIGUSR1)
	defer signal.Stop(evaluate)

	ticker := clock.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return nil
		case <-evaluate:
			logger.Info("Broadcasting evaluate")
			host.BroadcastEvaluate()
		case <-ticker.Chan():
			for _, m := range mirrors {
				changed, err := m.Poll()
				if err != nil {
					logger.Warn("Failed to poll file", "error", err)
					continue
				}
				if changed {
					m.buf.Focus()
				}
			}
			if st := host.State(); st.Ready && st.Status == collab.StatusDisconnected {
				return errors.New("connection to the relay was lost")
			}
		}
	}
}
