package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"chronocal/internal/audio"
	"chronocal/internal/caldav"
	"chronocal/internal/config"
	"chronocal/internal/escalation"
	"chronocal/internal/google"
	"chronocal/internal/ics"
	"chronocal/internal/journal"
	appLog "chronocal/internal/log"
	"chronocal/internal/model"
	"chronocal/internal/provider"
	"chronocal/internal/scheduler"
	"chronocal/internal/store"
	"chronocal/internal/syncer"
	"chronocal/internal/web"
	"chronocal/internal/zoho"
)

const (
	version           = "0.1.0"
	defaultConfigPath = "/etc/chronocal/config.yaml"
	journalRetention  = 30 * 24 * time.Hour
)

func main() {
	// .env is optional; real environment variables win.
	config.LoadDotEnv()

	app := &cli.App{
		Name:    "chronocal",
		Usage:   "Speak escalating reminders for upcoming calendar events.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfigPath,
				EnvVars: []string{"CHRONOCAL_CONFIG"},
				Usage:   "Path to config file",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			syncCommand(),
			authCommand(),
			configCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("chronocal failed", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, overlays environment secrets and applies
// the log level.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Sync calendars and announce reminders until interrupted.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				cfg.Listen = l
			}
			return run(c.Context, c.String("config"), cfg)
		},
	}
}

func run(parent context.Context, configPath string, cfg *config.Config) error {
	appLog.Info("chronocal starting", "version", version)
	appLog.Info("effective config",
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"lead_minutes", cfg.Reminder.LeadMinutes,
		"sync_schedule", cfg.Sync.Schedule,
		"lookahead_hours", cfg.Sync.LookaheadHours,
		"ics_count", len(cfg.Providers.ICS),
		"google_count", len(cfg.Providers.Google),
		"caldav_count", len(cfg.Providers.CalDAV),
		"zoho_count", len(cfg.Providers.Zoho),
	)

	ctx, cancel := signalContext(parent)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	j, sqliteJournal := openJournal(cfg.DataDir)
	if sqliteJournal != nil {
		defer sqliteJournal.Close()
	}

	announcer, err := newAnnouncer(cfg.Audio)
	if err != nil {
		return err
	}

	holder, err := config.NewHolder(cfg.Reminder)
	if err != nil {
		return err
	}
	engine := escalation.New(holder, announcer, j)
	st := store.New()
	sched := scheduler.New(holder, st, engine, j)
	engine.OnSnooze(sched.ArmAt)
	engine.OnRelease(sched.Released)

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	if reg.Len() == 0 {
		appLog.Warn("no calendar providers configured; nothing will be announced")
	}

	coordinator := syncer.New(reg, st, sched, cfg.Sync)
	if err := coordinator.Start(ctx); err != nil {
		return err
	}

	var maintenance *cron.Cron
	if sqliteJournal != nil {
		maintenance = cron.New()
		if _, err := maintenance.AddFunc("@daily", func() {
			n, err := sqliteJournal.Prune(ctx, time.Now().Add(-journalRetention))
			if err != nil {
				appLog.Error("journal prune failed", err)
				return
			}
			appLog.Info("journal pruned", "removed", n)
		}); err != nil {
			return err
		}
		maintenance.Start()
	}

	// The web boundary persists reminder changes; it gets the config as it
	// is on disk so environment secrets are never written back.
	persisted, err := config.Load(configPath)
	if err != nil {
		persisted = cfg
	}
	persisted.Listen = cfg.Listen
	server := web.NewServer(web.Deps{
		Config:     persisted,
		ConfigPath: configPath,
		Reminder:   holder,
		Store:      st,
		Engine:     engine,
		Scheduler:  sched,
		Syncer:     coordinator,
		Journal:    j,
	})
	webErr := make(chan error, 1)
	go func() {
		webErr <- server.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-webErr:
		if err != nil {
			appLog.Error("HTTP server failed", err)
		}
		cancel()
	}

	// Stop producers before the engine so nothing fires during shutdown.
	coordinator.Stop()
	sched.Stop()
	if maintenance != nil {
		<-maintenance.Stop().Done()
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := engine.Stop(stopCtx); err != nil {
		appLog.Error("escalation engine did not stop cleanly", err)
	}

	appLog.Info("chronocal exiting")
	return nil
}

// openJournal opens the SQLite journal in dataDir, falling back to an
// in-memory journal when the database cannot be opened.
func openJournal(dataDir string) (journal.Journal, *journal.SQLite) {
	path := filepath.Join(dataDir, "journal.db")
	db, err := journal.Open(path)
	if err != nil {
		appLog.Error("failed to open journal; deliveries will not survive restarts", err, "path", path)
		return journal.NewMemory(), nil
	}
	return db, db
}

func newAnnouncer(cfg config.AudioConfig) (audio.Announcer, error) {
	if len(cfg.Command) == 0 {
		appLog.Info("no audio command configured; announcements are logged only")
		return audio.Log{}, nil
	}
	cmd, err := audio.NewCommand(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("invalid audio command: %w", err)
	}
	return cmd, nil
}

// buildRegistry creates one provider per configured source. Sources that
// cannot be set up (for example Google without a token) are logged and
// skipped so the others still run.
func buildRegistry(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	loc := cfg.Reminder.Location()

	var providers []provider.Provider
	if len(cfg.Providers.ICS) > 0 {
		fetcher := ics.NewFetcher(filepath.Join(cfg.DataDir, "ics-cache"))
		for _, src := range cfg.Providers.ICS {
			if src.URL == "" {
				appLog.Warn("skipping ICS source without URL", "id", src.ID)
				continue
			}
			providers = append(providers, ics.NewProvider(ics.Source{ID: src.ID, URL: src.URL}, fetcher, loc))
		}
	}
	for _, g := range cfg.Providers.Google {
		p, err := google.NewProvider(ctx, g, loc)
		if err != nil {
			appLog.Error("skipping google provider", err, "id", g.ID)
			continue
		}
		providers = append(providers, p)
	}
	for _, d := range cfg.Providers.CalDAV {
		p, err := caldav.NewProvider(d, loc)
		if err != nil {
			appLog.Error("skipping caldav provider", err, "id", d.ID)
			continue
		}
		providers = append(providers, p)
	}
	for _, z := range cfg.Providers.Zoho {
		p, err := zoho.NewProvider(ctx, z, loc)
		if err != nil {
			appLog.Error("skipping zoho provider", err, "id", z.ID)
			continue
		}
		providers = append(providers, p)
	}

	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// diffLogger prints every diff the sync command produces.
type diffLogger struct{}

func (diffLogger) OnDiff(d model.Diff) {
	for _, ev := range d.Added {
		appLog.Info("event added", "event", ev.Key, "title", ev.Title, "start", ev.Start)
	}
	for _, ev := range d.Removed {
		appLog.Info("event removed", "event", ev.Key, "title", ev.Title)
	}
	for _, ch := range d.Changed {
		appLog.Info("event changed", "event", ch.New.Key, "title", ch.New.Title, "old_start", ch.Old.Start, "new_start", ch.New.Start)
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Fetch calendars and print the merged timeline without announcing.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "watch", Usage: "Keep syncing on the configured schedule and log every change."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(c.Context)
			defer cancel()

			reg, err := buildRegistry(ctx, cfg)
			if err != nil {
				return err
			}
			st := store.New()
			coordinator := syncer.New(reg, st, diffLogger{}, cfg.Sync)

			if c.Bool("watch") {
				if err := coordinator.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				coordinator.Stop()
				return nil
			}

			res, err := coordinator.SyncNow(ctx)
			if err != nil {
				return err
			}
			loc := cfg.Reminder.Location()
			for _, ev := range st.Timeline() {
				fmt.Printf("%s  %-40s %s\n", ev.Start.In(loc).Format("Mon 01-02 15:04"), ev.Title, ev.Key)
			}
			if len(res.Failures) > 0 {
				return fmt.Errorf("%d provider(s) failed: %w", len(res.Failures), errors.Join(res.Failures...))
			}
			return nil
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authorize calendar providers.",
		Subcommands: []*cli.Command{
			{
				Name:  "google",
				Usage: "Run the console OAuth flow for a Google provider and save its token.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Usage: "Provider ID from the config (defaults to the first Google provider)"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					g, err := findGoogle(cfg, c.String("id"))
					if err != nil {
						return err
					}
					oc, err := google.OAuthConfig(g)
					if err != nil {
						return err
					}

					fmt.Printf("Go to the following link in your browser then type the "+
						"authorization code: \n%v\n", google.AuthURL(oc))
					fmt.Print("Enter Authorization Code: ")
					code, _ := bufio.NewReader(os.Stdin).ReadString('\n')
					code = strings.TrimSpace(code)
					if code == "" {
						return errors.New("no authorization code entered")
					}

					tok, err := google.Exchange(c.Context, oc, code)
					if err != nil {
						return err
					}
					if err := google.SaveToken(g.TokenFile, tok); err != nil {
						return fmt.Errorf("failed to save token: %w", err)
					}
					appLog.Info("google token saved", "id", g.ID, "file", g.TokenFile)
					return nil
				},
			},
		},
	}
}

func findGoogle(cfg *config.Config, id string) (config.GoogleConfig, error) {
	for _, g := range cfg.Providers.Google {
		if id == "" || g.ID == id {
			return g, nil
		}
	}
	if id == "" {
		return config.GoogleConfig{}, errors.New("no google provider configured")
	}
	return config.GoogleConfig{}, fmt.Errorf("google provider %q not found", id)
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Inspect the configuration.",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Load and validate the config file (creating a default one on first run).",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if _, err := cron.ParseStandard(cfg.Sync.Schedule); err != nil {
						return fmt.Errorf("invalid sync schedule %q: %w", cfg.Sync.Schedule, err)
					}
					fmt.Printf("config %s is valid\n", c.String("config"))
					fmt.Printf("  lead time:  %s\n", cfg.Reminder.LeadTime())
					fmt.Printf("  step delay: %s\n", cfg.Reminder.StepDelay)
					fmt.Printf("  sync:       %s (lookahead %s)\n", cfg.Sync.Schedule, cfg.Lookahead())
					fmt.Printf("  providers:  %d ics, %d google, %d caldav, %d zoho\n",
						len(cfg.Providers.ICS), len(cfg.Providers.Google), len(cfg.Providers.CalDAV), len(cfg.Providers.Zoho))
					return nil
				},
			},
		},
	}
}
