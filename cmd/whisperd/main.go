// Command whisperd forwards stdin lines to a Telegram chat through the
// whisper dispatcher. It is the reference integration: YAML config
// with hot-reloadable log level, optional cron heartbeat, systemd
// readiness notification and a clean drain on shutdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"whisper"
	"whisper/internal/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./whisperd.yaml", "path to config yaml")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.LogLevel))
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n, err := whisper.New(whisper.Options{
		Token:          cfg.Token,
		ChatID:         cfg.ChatID,
		MaxRetries:     cfg.Tuning.MaxRetries,
		BaseRetryDelay: cfg.Tuning.BaseRetryDelay.Std(),
		QueueCapacity:  cfg.Tuning.QueueCapacity,
		DedupTTL:       cfg.Tuning.DedupTTL.Std(),
		DedupCapacity:  cfg.Tuning.DedupCapacity,
		BatchInterval:  cfg.Tuning.BatchInterval.Std(),
		RatePerSec:     cfg.Tuning.RatePerSec,
		Logger:         log,
		Registerer:     prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	n.Start()
	defer n.Stop()

	// Only the log level is hot-reloadable; everything else is fixed
	// at construction time.
	if err := config.Watch(ctx, cfgPath, log, func(c *config.Config) {
		zerolog.SetGlobalLevel(parseLevel(c.LogLevel))
	}); err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
	}

	var sched *cron.Cron
	if cfg.Heartbeat != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(cfg.Heartbeat, func() {
			n.SendMessage(cfg.HeartbeatText, whisper.AllowDuplicates())
		}); err != nil {
			return fmt.Errorf("heartbeat spec %q: %w", cfg.Heartbeat, err)
		}
		sched.Start()
		defer sched.Stop()
	}

	// Under systemd this flips the unit to "active (running)"; outside
	// it is a no-op.
	_, _ = sd.SdNotify(false, sd.SdNotifyReady)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
			return nil
		case line, ok := <-lines:
			if !ok {
				_, _ = sd.SdNotify(false, sd.SdNotifyStopping)
				return nil
			}
			n.SendMessage(line)
		}
	}
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
