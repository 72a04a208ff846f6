package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/textpilot/textpilot/internal/api"
	"github.com/textpilot/textpilot/internal/dispatch"
	"github.com/textpilot/textpilot/internal/genai"
	"github.com/textpilot/textpilot/internal/lockfile"
	"github.com/textpilot/textpilot/internal/messaging"
	"github.com/textpilot/textpilot/internal/scheduler"
	"github.com/textpilot/textpilot/internal/store"
	"github.com/textpilot/textpilot/internal/twiliosms"
	"github.com/textpilot/textpilot/internal/util"
	"github.com/textpilot/textpilot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TextPilot state data
	DefaultStateDir = "/var/lib/textpilot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "textpilot.db"
	// DefaultTrialSweepCron runs the trial expiry sweep hourly
	DefaultTrialSweepCron = "0 * * * *"
	// DefaultOutboxPollInterval is how often the outbox sender looks for due messages
	DefaultOutboxPollInterval = 2 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own a state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		slog.Error("TextPilot failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TextPilot exited successfully")
}

func run(ctx context.Context, flags Flags) error {
	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	aiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return err
	}

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	trialWindow := time.Duration(*flags.trialDays) * 24 * time.Hour
	engine := dispatch.NewEngine(st, st, aiClient, dispatch.WithTrialWindow(trialWindow))

	// Deliver queued replies through the selected channel.
	sender := store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
		return msgService.SendMessage(ctx, msg.Recipient, msg.Body)
	}, DefaultOutboxPollInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Warn("Failed to recover stale outbox messages", "error", err)
	}
	go sender.Run(ctx)

	// Hourly sweep catches trials that lapse while the user is silent.
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.trialSweepCron, func() {
		cutoff := time.Now().Add(-trialWindow)
		n, err := st.ExpireTrialsBefore(cutoff)
		if err != nil {
			slog.Error("Trial expiry sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Trial expiry sweep completed", "expired", n)
		}
	}); err != nil {
		return err
	}

	// The WhatsApp channel pushes inbound messages over a channel instead of
	// a webhook; feed them into the same pipeline.
	go consumeInbound(ctx, engine, msgService)

	server := api.NewServer(engine, msgService, buildAPIOptions(flags)...)
	slog.Info("Bootstrapping TextPilot", "channel", *flags.channel, "api_addr", *flags.apiAddr, "trial_days", *flags.trialDays)
	return server.Run(ctx)
}

// openStore picks the backend from the DSN shape.
func openStore(dsn string) (store.FullStore, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessagingService constructs the delivery channel selected by flags.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.channel {
	case "whatsapp":
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db"))}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		return messaging.NewWhatsAppService(waClient), nil
	default:
		twilioClient, err := twiliosms.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(twilioClient), nil
	}
}

// consumeInbound drains the messaging service's inbound channel into the engine.
func consumeInbound(ctx context.Context, engine *dispatch.Engine, msgService messaging.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-msgService.Inbound():
			if !ok {
				return
			}
			if err := engine.ProcessInbound(ctx, event); err != nil {
				slog.Error("Failed to process inbound message", "error", err, "from", event.From)
			}
		}
	}
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	StateDir       string
	OpenAIKey      string
	APIAddr        string
	Channel        string
	TrialDays      int
	TrialSweepCron string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	openaiKey      *string
	apiAddr        *string
	channel        *string
	trialDays      *int
	trialSweepCron *string
}

// initializeLogger sets up structured logging. TEXTPILOT_DEBUG=true lowers
// the level to debug.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("TEXTPILOT_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("TEXTPILOT_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		APIAddr:        os.Getenv("API_ADDR"),
		Channel:        os.Getenv("MESSAGING_CHANNEL"),
		TrialSweepCron: os.Getenv("TRIAL_SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TEXTPILOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.Channel == "" {
		config.Channel = "twilio"
	}
	if config.TrialSweepCron == "" {
		config.TrialSweepCron = DefaultTrialSweepCron
	}

	config.TrialDays = int(dispatch.DefaultTrialWindow / (24 * time.Hour))
	if v := os.Getenv("TRIAL_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			config.TrialDays = days
		} else {
			slog.Warn("Invalid TRIAL_DAYS value, using default", "value", v, "default", config.TrialDays)
		}
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TEXTPILOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_CHANNEL", config.Channel,
		"TRIAL_DAYS", config.TrialDays)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for TextPilot data (overrides $TEXTPILOT_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:        flag.String("channel", config.Channel, "delivery channel: twilio or whatsapp (overrides $MESSAGING_CHANNEL)"),
		trialDays:      flag.Int("trial-days", config.TrialDays, "trial length in days (overrides $TRIAL_DAYS)"),
		trialSweepCron: flag.String("trial-sweep-cron", config.TrialSweepCron, "cron schedule for the trial expiry sweep (overrides $TRIAL_SWEEP_SCHEDULE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"channel", *flags.channel,
		"trialDays", *flags.trialDays)

	// Keep the SQLite database in the overridden state directory.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dbDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
