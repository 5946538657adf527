package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"streamwatch/internal/adapters/telegram"
	"streamwatch/internal/kit"
	"streamwatch/internal/match"
	"streamwatch/internal/observer"
	"streamwatch/internal/sender"
	"streamwatch/internal/services/logging"
	"streamwatch/internal/services/scheduler"
	"streamwatch/internal/stream"
	"streamwatch/internal/twitchapi"
)

const sweepJob = "observer.sweep"

// App wires the gateway adapter, the matcher pipeline, the sender and the
// observer registry together and owns their lifecycle.
type App struct {
	cfgPath string
	cfgm    *ConfigManager
	sup     *Supervisor

	log  *slog.Logger
	logs *logging.Service

	adapter kit.Adapter
	matcher *match.Service
	sender  *sender.Service
	obs     *observer.Observer
	sched   *scheduler.Service

	sweepInterval time.Duration
	updates       chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(slog.String("comp", "app"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(slog.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	directory := twitchapi.New(twitchapi.Config{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
	}, log.With(slog.String("comp", "twitchapi")))

	retryInterval, err := parseDurationField("sender.retry_interval", cfg.Sender.RetryInterval)
	if err != nil {
		return nil, err
	}
	sendSvc := sender.New(sender.Config{
		RatePerSec:    cfg.Sender.RatePerSec,
		RetryInterval: retryInterval,
	}, ad, log.With(slog.String("comp", "sender")))

	matchSvc := match.New(match.Config{
		Workers:   cfg.Matcher.Workers,
		QueueSize: cfg.Matcher.QueueSize,
	}, sendSvc, log.With(slog.String("comp", "matcher")))

	obs := observer.New(observer.Config{
		Stream: stream.Config{
			URL:           cfg.Twitch.IRCURL,
			Nickname:      cfg.Twitch.Nickname,
			Token:         cfg.Twitch.IRCToken,
			MaxReconnects: cfg.Twitch.MaxReconnects,
		},
	}, directory, sendSvc, matchSvc, log.With(slog.String("comp", "observer")))

	sweepInterval, err := parseDurationOrDefault("observer.sweep_interval", cfg.Observer.SweepInterval, time.Minute)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		adapter:       ad,
		matcher:       matchSvc,
		sender:        sendSvc,
		obs:           obs,
		sched:         scheduler.New(log.With(slog.String("comp", "scheduler"))),
		sweepInterval: sweepInterval,
		updates:       make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, a.log)
	a.cfgm.SetLogger(a.log.With(slog.String("comp", "config")))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.matcher.Start(a.sup.Context())

	a.sched.Start(a.sup.Context())
	a.sched.AddInterval(sweepJob, a.sweepInterval, a.obs.Sweep)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.obs.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig hot-applies the reloadable subset: log level and sinks, the
// outbound send rate, and the liveness sweep interval. Everything else
// (tokens, IRC endpoint, worker counts) requires a restart.
func (a *App) applyConfig(cfg *Config) {
	a.logs.Apply(logging.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logging.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	retryInterval, err := parseDurationField("sender.retry_interval", cfg.Sender.RetryInterval)
	if err == nil {
		a.sender.Apply(sender.Config{
			RatePerSec:    cfg.Sender.RatePerSec,
			RetryInterval: retryInterval,
		})
	}

	if d, err := parseDurationOrDefault("observer.sweep_interval", cfg.Observer.SweepInterval, time.Minute); err == nil && d != a.sweepInterval {
		a.sweepInterval = d
		if err := a.sched.Reschedule(sweepJob, d); err != nil {
			a.log.Warn("sweep reschedule failed", slog.Any("err", err))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot stall
	// the whole stop past the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", slog.String("name", name), slog.Any("err", err))
			}
			a.log.Debug("stop step done", slog.String("name", name), slog.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				slog.String("name", name), slog.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("observer", 4*time.Second, func(c context.Context) error { a.obs.Shutdown(c); return nil })
	step("matcher", 2*time.Second, func(c context.Context) error { a.matcher.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
