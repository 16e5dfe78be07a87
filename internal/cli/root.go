package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"signal-advisor/internal/agents"
	"signal-advisor/internal/config"
	"signal-advisor/internal/events"
	"signal-advisor/internal/logging"
	"signal-advisor/internal/notify"
	"signal-advisor/internal/pipeline"
	"signal-advisor/internal/resilience"
	"signal-advisor/internal/scraper"
	"signal-advisor/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2024-06-01"
)

// skipConfig marks commands that run without loading config.toml.
const skipConfig = "skip-config"

// App holds the application dependencies. Fields left nil are built from
// Config on first use, so tests can substitute any of them.
type App struct {
	ConfigDir string
	Config    *config.Config
	Logger    zerolog.Logger

	Store       store.Store
	Alerter     notify.Alerter
	Launcher    scraper.Launcher
	Cookies     scraper.CookieStore
	Transport   pipeline.PushTransport
	Synthesizer pipeline.Synthesizer

	ownsStore bool
}

// Execute runs the CLI with os.Args and returns the command error.
func Execute() error {
	app := &App{}
	root := NewRootCmd(app)
	err := root.Execute()
	if cerr := app.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "advisor",
		Short: "Signal Advisor - signal-to-proposal dispatch pipeline",
		Long: `Signal Advisor turns detected market signals into per-holder proposals
and delivers them as Web Push notifications.

It scrapes tracked X accounts for relevant posts, fans each signal out to every
wallet holding the asset, synthesizes one proposal per holder and notifies
their subscribed browsers. Stages run on a durable event log, so a failed step
is retried without repeating the steps before it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if cmd.Annotations[skipConfig] == "true" {
				if app.Config == nil {
					app.Logger = newLogger(nil, debug)
				}
				return nil
			}
			return app.init(cmd, debug)
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/signal-advisor)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("memory", false, "use an in-memory store instead of sqlite")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newScrapeCmd(app))
	rootCmd.AddCommand(newWorkerCmd(app))
	rootCmd.AddCommand(newSignalCmd(app))
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newEventsCmd(app))
	rootCmd.AddCommand(newAccountsCmd(app))
	rootCmd.AddCommand(newSubscriptionsCmd(app))
	rootCmd.AddCommand(newProposalsCmd(app))
	rootCmd.AddCommand(newPushCmd())

	return rootCmd
}

func (app *App) init(cmd *cobra.Command, debug bool) error {
	if app.Config == nil {
		dir, _ := cmd.Flags().GetString("config")
		if dir == "" {
			dir = app.ConfigDir
		}
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}
		app.Config = cfg
		app.Logger = newLogger(cfg, debug)
	} else if debug {
		logging.SetDebugLevel()
		app.Logger = app.Logger.Level(zerolog.DebugLevel)
	}

	if app.Store == nil {
		if memory, _ := cmd.Flags().GetBool("memory"); memory {
			app.Store = store.NewMemoryStore()
		} else {
			s, err := store.NewSQLiteStore(app.Config.Store.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			app.Store = s
			app.Logger.Debug().Str("path", app.Config.Store.Path).Msg("SQLite store initialized")
		}
		app.ownsStore = true
	}

	if app.Alerter == nil {
		mn := notify.NewMultiNotifier(app.Config.Alerts)
		if len(mn.Channels()) > 0 {
			app.Alerter = mn
		} else {
			app.Alerter = notify.NewNoOpAlerter()
		}
	}
	return nil
}

func newLogger(cfg *config.Config, debug bool) zerolog.Logger {
	lc := logging.DefaultLogConfig()
	lc.File = false
	if cfg != nil {
		lc.Level = cfg.Logging.Level
		lc.File = cfg.Logging.File
		if cfg.Logging.FilePath != "" {
			lc.FilePath = cfg.Logging.FilePath
		}
	}
	if debug {
		lc.Level = "debug"
	}
	return logging.NewLoggerWithConfig(lc)
}

// Close releases the store if the app opened it.
func (app *App) Close() error {
	if app.ownsStore && app.Store != nil {
		app.ownsStore = false
		return app.Store.Close()
	}
	return nil
}

// synthesizer returns the LLM agent when an OpenAI key is configured, with
// the rule-based agent as its fallback; otherwise the rule-based agent alone.
func (app *App) synthesizer() pipeline.Synthesizer {
	if app.Synthesizer != nil {
		return app.Synthesizer
	}
	rules := agents.NewRuleBasedAgent(app.Config.Agents.ProposedBy)
	if app.Config.Credentials.OpenAI.APIKey == "" {
		app.Logger.Debug().Msg("No OpenAI key, using rule-based synthesis")
		app.Synthesizer = rules
		return rules
	}

	cfg := app.Config.Agents
	llm := agents.NewOpenAIClient(app.Config.Credentials.OpenAI.APIKey, cfg.Model, cfg.MaxToolRounds)
	tools := agents.NewToolExecutor(app.Store, app.Store)
	breaker := resilience.New("openai", resilience.Config{
		FailureThreshold: cfg.BreakerFailures,
		Cooldown:         cfg.BreakerCooldown,
	}, func(name string, from, to resilience.State) {
		app.Logger.Warn().Str("breaker", name).Str("from", string(from)).Str("to", string(to)).Msg("Circuit breaker state changed")
	})
	app.Synthesizer = agents.NewProposalAgent(llm, tools, rules, cfg.ProposedBy, app.Logger).WithBreaker(breaker)
	app.Logger.Debug().Str("model", app.Config.Agents.Model).Msg("OpenAI synthesis initialized")
	return app.Synthesizer
}

func (app *App) transport() (pipeline.PushTransport, error) {
	if app.Transport != nil {
		return app.Transport, nil
	}
	if err := app.Config.RequirePush(); err != nil {
		return nil, err
	}
	app.Transport = notify.NewWebPushTransport(app.Config.Push, app.Config.Credentials.VAPID)
	return app.Transport, nil
}

// runtime builds an event runtime over the store with the pipeline stages
// registered and dead events forwarded to the operator alerter.
func (app *App) runtime() (*events.Runtime, error) {
	transport, err := app.transport()
	if err != nil {
		return nil, err
	}

	rt := events.NewRuntime(app.Store, pipeline.RuntimeConfig(app.Config.Pipeline), app.Logger)
	_, err = pipeline.Register(rt, pipeline.Deps{
		Signals:       app.Store,
		Balances:      app.Store,
		Portfolio:     app.Store,
		Proposals:     app.Store,
		Subscriptions: app.Store,
		Publisher:     rt,
		Synthesizer:   app.synthesizer(),
		Transport:     transport,
		Config:        app.Config.Pipeline,
		Logger:        app.Logger,
	})
	if err != nil {
		return nil, err
	}

	rt.OnDead(func(ctx context.Context, evt *events.Event, err error) {
		if aerr := app.Alerter.SendDeadEvent(ctx, evt, err); aerr != nil {
			app.Logger.Warn().Err(aerr).Str("event_id", evt.ID).Msg("Failed to send dead event alert")
		}
	})
	return rt, nil
}

// scrapeJob builds the scrape job from the configured credentials.
func (app *App) scrapeJob() (*scraper.Job, error) {
	if err := app.Config.RequireScraper(); err != nil {
		return nil, err
	}

	cfg := app.Config.Scraper
	creds := app.Config.Credentials.X

	cookies := app.Cookies
	if cookies == nil {
		fcs, err := scraper.NewFileCookieStore(cfg.CookieDir, app.Config.Credentials.Cookie.Secret)
		if err != nil {
			return nil, err
		}
		cookies = fcs
	}

	launch := app.Launcher
	if launch == nil {
		launch = scraper.ChromeLauncher(scraper.LaunchOptions{
			BaseURL:   cfg.BaseURL,
			Headless:  cfg.Headless,
			UserAgent: cfg.UserAgent,
		})
	}

	s := scraper.New(launch, cookies, app.Store,
		scraper.Credentials{Username: creds.Username, Password: creds.Password, Email: creds.Email},
		scraper.OptionsFromConfig(cfg, creds.Username),
		app.Logger,
	)
	publisher := events.NewPublisher(app.Store, app.Config.Pipeline.MaxAttempts)
	return scraper.NewJob(s, app.Store, publisher, app.Alerter, app.Logger), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Signal Advisor v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}
