package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/converse/internal/api"
	"github.com/converse/internal/chat"
	"github.com/converse/internal/completion"
	"github.com/converse/internal/config"
	"github.com/converse/internal/jobqueue"
	"github.com/converse/internal/logging"
	"github.com/converse/internal/persistence"
	"github.com/converse/internal/pubsub"
)

// ServeCommand returns the CLI command that runs the chat backend.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Converse chat backend",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	port := cfg.Server.Port
	if c.Int("port") > 0 {
		port = c.Int("port")
	}

	ctx := context.Background()

	db, err := persistence.OpenDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	store := persistence.NewStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	connector, err := completion.NewConnector(ctx, completion.Options{
		Provider:    completion.Provider(cfg.AI.Provider),
		APIKey:      cfg.AI.APIKey,
		BaseURL:     cfg.AI.BaseURL,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create completion connector: %w", err)
	}
	completer := completion.NewResilient(connector, time.Duration(cfg.AI.TimeoutSecs)*time.Second)

	queue, err := jobqueue.NewJobQueue(pool, store, completer, jobqueue.DefaultQueueConfig())
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Warn().Err(err).Msg("job queue did not stop cleanly")
		}
	}()

	channel := pubsub.NewPostgresChannel(pool)
	if err := channel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message event listener: %w", err)
	}
	defer channel.Close()

	scheduler := chat.NewSummarizationScheduler(queue, store, log.Logger)

	engine := chat.NewEngine(completer, store, channel, scheduler, chat.EngineConfig{
		Typing: chat.TypingConfig{
			CharsPerTick:     cfg.Typing.CharsPerTick,
			TickInterval:     time.Duration(cfg.Typing.TickMs) * time.Millisecond,
			InstantThreshold: cfg.Typing.InstantThreshold,
		},
		Dispatch: chat.DispatcherConfig{
			HistoryLimit: cfg.Chat.HistoryLimit,
			SystemPrompt: cfg.AI.SystemPrompt,
			Temperature:  cfg.AI.Temperature,
			MaxTokens:    cfg.AI.MaxTokens,
		},
		SendRate:  rate.Limit(cfg.Chat.SendPerSecond),
		SendBurst: cfg.Chat.SendBurst,
	}, log.Logger)

	log.Info().Int("port", port).Str("provider", cfg.AI.Provider).Msg("starting converse server")
	return api.NewServer(engine, port).Start()
}
