// Command server runs the RSVP API together with the notification
// publisher, the broker consumer and the reminder poller.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/config"
	"github.com/dalat-app/rsvp-engine/internal/database"
	"github.com/dalat-app/rsvp-engine/internal/handler"
	"github.com/dalat-app/rsvp-engine/internal/i18n"
	"github.com/dalat-app/rsvp-engine/internal/logging"
	"github.com/dalat-app/rsvp-engine/internal/middleware"
	"github.com/dalat-app/rsvp-engine/internal/notify"
	"github.com/dalat-app/rsvp-engine/internal/reminder"
	"github.com/dalat-app/rsvp-engine/internal/repository"
	"github.com/dalat-app/rsvp-engine/internal/router"
)

func main() {
	_ = godotenv.Load()
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	admCfg, err := config.LoadAdmissionConfig()
	if err != nil {
		return err
	}
	notifyCfg, err := config.LoadNotifyConfig()
	if err != nil {
		return err
	}
	log := logging.New(os.Stdout, cfg.LogLevel, "rsvp-engine")
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := database.Migrate(cfg.DB(), log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	db, err := database.Open(ctx, cfg.DB())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		log.Warn("redis unavailable; caching, rate limiting and reminders disabled", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	tr := i18n.NewTranslator(notifyCfg.DefaultLocale, log)
	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)
	events := repository.NewEventRepo(db)
	ledger := repository.NewLedgerStore(db)

	sender, err := notify.NewLogSender(notifyCfg.LogFile)
	if err != nil {
		return err
	}
	defer sender.Close()

	nh := &notify.Handler{
		Events:        events,
		Users:         users,
		Attendees:     ledger,
		Translator:    tr,
		Sender:        sender,
		DefaultLocale: notifyCfg.DefaultLocale,
		Log:           log.With("component", "notify"),
	}
	var scheduler *reminder.Scheduler
	if rdb != nil {
		scheduler = reminder.NewScheduler(rdb, "rsvp:reminders", notifyCfg.ReminderOffsets, log)
		nh.Reminders = scheduler
	}

	sink := notify.Sink(nh.Handle)
	var consumer *notify.Consumer
	if notifyCfg.Enabled() {
		broker := notify.NewAMQPPublisher(notifyCfg.RabbitURL, notifyCfg.Queue)
		defer broker.Close()
		sink = broker.Publish
		consumer = &notify.Consumer{
			URL:    notifyCfg.RabbitURL,
			Queue:  notifyCfg.Queue,
			Handle: nh.HandleMessage,
			Log:    log.With("component", "consumer"),
		}
	} else {
		log.Info("RABBITMQ_URL not set; domain events are handled in process")
	}
	publisher := notify.NewPublisher(notifyCfg.Buffer, sink, log.With("component", "publisher"))

	opts := admCfg.Options()
	opts.Logger = log.With("component", "admission")
	ctl := admission.NewController(ledger, publisher, opts)

	e := newServer(log, cfg, admCfg, notifyCfg, rdb, tr, db, ctl, publisher, events, users, tokens)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", "addr", addr, "env", cfg.Env, "policy", admCfg.Policy)
		if err := e.Start(addr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return publisher.Run(gctx) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}
	if scheduler != nil {
		g.Go(func() error { return scheduler.Run(gctx, notifyCfg.ReminderPoll, nh.SendReminder) })
	}

	err = g.Wait()
	log.Info("shut down")
	return err
}

func newServer(
	log *slog.Logger,
	cfg config.Config,
	admCfg config.AdmissionConfig,
	notifyCfg config.NotifyConfig,
	rdb *redis.Client,
	tr *i18n.Translator,
	db handler.Pinger,
	ctl *admission.Controller,
	dispatcher admission.Dispatcher,
	events *repository.EventRepo,
	users *repository.UserRepo,
	tokens *repository.TokenRepo,
) *echo.Echo {
	cache := middleware.NewResponseCache(config.LoadCacheConfig(), rdb, log)
	limit := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log)

	e := router.New(log, tr)
	router.RegisterRoutes(e, db)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, notifyCfg.DefaultLocale, users, tokens, tr, log), cfg.JWTSecret, limit)

	eh := handler.NewEventHandler(events, ctl, admCfg.SlugEditability, cache, tr, log)
	eh.Dispatcher = dispatcher
	router.RegisterPublic(e, eh, cache.Middleware())
	router.RegisterOrganizer(e, eh, cfg.JWTSecret, limit)
	router.RegisterAttendee(e, handler.NewRSVPHandler(ctl, cache, tr, log), cfg.JWTSecret, limit)
	return e
}
