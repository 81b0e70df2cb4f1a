package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/cadence/internal/caldav"
	"github.com/nugget/cadence/internal/config"
	"github.com/nugget/cadence/internal/directory"
	"github.com/nugget/cadence/internal/email"
	"github.com/nugget/cadence/internal/events"
	"github.com/nugget/cadence/internal/handlers"
	"github.com/nugget/cadence/internal/intent"
	"github.com/nugget/cadence/internal/opstate"
	"github.com/nugget/cadence/internal/provider"
	"github.com/nugget/cadence/internal/rundown"
	"github.com/nugget/cadence/internal/slack"
	"github.com/nugget/cadence/internal/temporal"
	"github.com/nugget/cadence/internal/timezone"
	"github.com/nugget/cadence/internal/todoist"
)

// Provider read caches. Writes invalidate them, so the TTL only bounds
// how long changes made elsewhere take to show up.
const (
	cacheSize = 256
	cacheTTL  = time.Minute
)

// services holds the collaborators every subcommand shares. Optional
// collaborators stay nil interfaces when unconfigured so handlers can
// report the missing setting.
type services struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	slack    *slack.Client
	zones    *timezone.Resolver
	calendar provider.Calendar
	tasks    provider.Tasks
	mailer   handlers.Mailer
	rundown  *rundown.Aggregator
	registry *intent.Registry
}

// buildServices constructs the providers, the timezone resolver, the
// rundown aggregator and the intent registry. A nil state keeps thread
// and timezone records in memory.
func buildServices(cfg *config.Config, state *opstate.Store, bus *events.Bus, logger *slog.Logger) (*services, error) {
	s := &services{cfg: cfg, logger: logger, bus: bus}

	defaultLoc, err := temporal.LoadZone(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("default timezone: %w", err)
	}

	// --- Identity ---
	// Slack profiles first, then the CardDAV directory.
	var chain timezone.Chain
	if cfg.Slack.Configured() {
		s.slack, err = slack.NewClient(slack.APIConfig{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
			BaseURL:  cfg.Slack.APIURL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("slack client: %w", err)
		}
		chain = append(chain, s.slack)
	}
	if cfg.CardDAV.Configured() {
		dir, err := directory.New(directory.Config{
			URL:         cfg.CardDAV.URL,
			Username:    cfg.CardDAV.Username,
			Password:    cfg.CardDAV.Password,
			AddressBook: cfg.CardDAV.AddressBook,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("carddav directory: %w", err)
		}
		chain = append(chain, dir)
		logger.Info("carddav timezone directory configured", "address_book", cfg.CardDAV.AddressBook)
	}

	var tzStore timezone.Store
	if state != nil {
		tzStore = timezone.NewSQLStore(state)
	}
	resolverCfg := timezone.ResolverConfig{
		Store:       tzStore,
		DefaultZone: cfg.DefaultTimezone,
		Logger:      logger,
	}
	if len(chain) > 0 {
		resolverCfg.Identity = chain
	} else {
		logger.Warn("no identity source configured, every user gets the default timezone", "timezone", cfg.DefaultTimezone)
	}
	s.zones = timezone.NewResolver(resolverCfg)

	// --- Providers ---
	if cfg.CalDAV.Configured() {
		cal, err := caldav.New(caldav.Config{
			URL:             cfg.CalDAV.URL,
			Username:        cfg.CalDAV.Username,
			Password:        cfg.CalDAV.Password,
			CalendarPath:    cfg.CalDAV.Calendar,
			InviteAttendees: cfg.CalDAV.InviteAttendees,
			Location:        defaultLoc,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("caldav calendar: %w", err)
		}
		s.calendar = provider.NewCachedCalendar(cal, cacheSize, cacheTTL)
		logger.Info("caldav calendar configured", "url", cfg.CalDAV.URL, "invite_attendees", cfg.CalDAV.InviteAttendees)
	} else {
		logger.Warn("calendar not configured - calendar requests will explain the missing setting")
	}

	if cfg.Todoist.Configured() {
		td, err := todoist.New(todoist.Config{
			Token:             cfg.Todoist.Token,
			BaseURL:           cfg.Todoist.BaseURL,
			RequestsPerSecond: cfg.Todoist.RequestsPerSecond,
			Location:          defaultLoc,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("todoist client: %w", err)
		}
		s.tasks = provider.NewCachedTasks(td, cacheSize, cacheTTL)
		logger.Info("todoist tasks configured", "requests_per_second", cfg.Todoist.RequestsPerSecond)
	} else {
		logger.Warn("tasks not configured - task requests will explain the missing setting")
	}

	if cfg.Email.Configured() {
		sender, err := email.NewSender(cfg.Email, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("email sender: %w", err)
		}
		s.mailer = sender
	}

	// --- Rundowns and intents ---
	s.rundown = rundown.New(rundown.Config{
		Calendar:        s.calendar,
		Tasks:           s.tasks,
		CalendarSetting: "caldav.url",
		TasksSetting:    "todoist.token",
		FetchTimeout:    cfg.Timeouts.Provider,
		Bus:             bus,
		Logger:          logger,
	})

	s.registry = intent.NewRegistry()
	h := handlers.New(handlers.Config{
		Calendar:        s.calendar,
		Tasks:           s.tasks,
		Rundown:         s.rundown,
		Zones:           s.zones,
		Mailer:          s.mailer,
		ProviderTimeout: cfg.Timeouts.Provider,
		Logger:          logger,
	})
	if err := h.Register(s.registry); err != nil {
		return nil, fmt.Errorf("register intents: %w", err)
	}
	logger.Debug("intents registered", "intents", s.registry.Names())

	return s, nil
}

// dispatcher builds an intent dispatcher replying through replier.
func (s *services) dispatcher(replier intent.Replier) *intent.Dispatcher {
	return intent.NewDispatcher(intent.DispatcherConfig{
		Registry:      s.registry,
		Replier:       replier,
		Bus:           s.bus,
		Logger:        s.logger,
		HandleTimeout: s.cfg.Timeouts.Handle,
	})
}
