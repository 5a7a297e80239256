package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quizlive/internal/app"
	"quizlive/internal/audit"
	"quizlive/internal/auth"
	"quizlive/internal/config"
	"quizlive/internal/domain"
	"quizlive/internal/fanout"
	"quizlive/internal/guard"
	"quizlive/internal/infra/memory"
	pgstore "quizlive/internal/infra/postgres"
	redisstore "quizlive/internal/infra/redis"
	"quizlive/internal/logging"
	"quizlive/internal/perfmon"
	"quizlive/internal/ratelimit"
	"quizlive/internal/timer"
	transport "quizlive/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, slog.LevelInfo)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var durable *pgstore.Store
	if pool != nil {
		durable = pgstore.NewStore(pool)
	}

	auditSink := buildAuditSink(durable, logger)

	sessionTTL := config.TTLDuration(cfg.Session.TTL, 6*time.Hour)
	participantTTL := config.TTLDuration(cfg.Session.ParticipantTTL, 5*time.Minute)
	joinCodeTTL := config.TTLDuration(cfg.Session.JoinCodeTTL, 6*time.Hour)
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgstore.NewQuizLoader(pool)
	}

	var (
		sessions     app.SessionStore
		participants app.ParticipantStore
		leaderboard  app.LeaderboardStore
		answers      app.AnswerBuffer
		joinCodes    app.JoinCodeStore
		quizzes      app.QuizRepository
		limiter      ratelimit.Limiter
	)

	limitCfg := ratelimit.Config{
		JoinAttempts:   cfg.Limits.JoinAttempts,
		JoinWindow:     config.TTLDuration(cfg.Limits.JoinWindow, time.Minute),
		AnswerLockTTL:  config.TTLDuration(cfg.Limits.AnswerLockTTL, 5*time.Minute),
		MessagesPerSec: cfg.Limits.MessagesPerSec,
	}

	hub := fanout.NewHub()
	var bus fanout.Bus

	if redisClient != nil {
		// Durable Postgres acts as read-through fallback for cache misses.
		var sessionFB redisstore.SessionFallback
		var participantFB redisstore.ParticipantFallback
		if durable != nil {
			sessionFB = durable
			participantFB = durable
		}
		sessions = redisstore.NewSessionStore(redisClient, sessionFB, sessionTTL)
		participants = redisstore.NewParticipantStore(redisClient, participantFB, participantTTL)
		leaderboard = redisstore.NewLeaderboard(redisClient, sessionTTL)
		answers = redisstore.NewAnswerBuffer(redisClient, sessionTTL)
		joinCodes = redisstore.NewJoinCodeStore(redisClient, joinCodeTTL)
		quizzes = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
		limiter = ratelimit.NewRedisLimiter(redisClient, limitCfg, auditSink, logger)

		redisBus := fanout.NewRedisBus(redisClient, hub, logger)
		go redisBus.Run(ctx)
		bus = redisBus
	} else {
		// Single-process mode for local development and tests.
		sessions = memory.NewSessionStore()
		participants = memory.NewParticipantStore()
		leaderboard = memory.NewLeaderboard()
		answers = memory.NewAnswerBuffer()
		joinCodes = memory.NewJoinCodeStore(joinCodeTTL)
		quizzes = memory.NewQuizRepository(loader, quizTTL)
		limiter = ratelimit.NewMemoryLimiter(limitCfg)
		bus = fanout.NewLocalBus(hub)
	}

	timers := timer.NewManager(bus, sessions, logger)

	monitor := perfmon.New(0, nil, logger)
	monitor.SetThresholds("authentication", perfmon.Thresholds{Warning: 50 * time.Millisecond, Critical: 250 * time.Millisecond})
	monitor.SetThresholds("message_dispatch", perfmon.Thresholds{Warning: 100 * time.Millisecond, Critical: 500 * time.Millisecond})
	go monitor.Run(ctx, 30*time.Second)

	admission := guard.New(guard.Config{
		Enabled:        cfg.Guard.Enabled,
		WarnCPUPercent: config.FloatOr(cfg.Guard.WarnCPUPercent, 70),
		CriticalCPU:    config.FloatOr(cfg.Guard.CriticalCPU, 90),
		WarnMemPercent: config.FloatOr(cfg.Guard.WarnMemPercent, 75),
		CriticalMem:    config.FloatOr(cfg.Guard.CriticalMem, 90),
		RetryAfter:     time.Duration(config.IntOr(cfg.Guard.RetryAfterSec, 30)) * time.Second,
		SampleInterval: config.TTLDuration(cfg.Guard.SampleInterval, 5*time.Second),
	}, nil, auditSink, logger)

	tokens := auth.NewTokenIssuer(cfg.Auth.Secret, config.TTLDuration(cfg.Auth.TokenTTL, 6*time.Hour))
	authenticator := auth.NewAuthenticator(tokens, sessions, participants, joinCodes, auditSink, logger)

	var durablePort app.DurableStore
	if durable != nil {
		durablePort = durable
	}

	service := app.NewSessionService(app.SessionServiceDeps{
		Sessions:         sessions,
		Participants:     participants,
		Leaderboard:      leaderboard,
		Answers:          answers,
		JoinCodes:        joinCodes,
		Quizzes:          quizzes,
		Durable:          durablePort,
		Bus:              bus,
		Timers:           timers,
		AuditSink:        auditSink,
		Logger:           logger,
		DefaultTimeLimit: time.Duration(config.IntOr(cfg.Timer.DefaultSeconds, 30)) * time.Second,
	})

	wsHandler := transport.NewWSHandler(authenticator, admission, limiter, service, bus, monitor, auditSink, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	mux.HandleFunc("/stats", wsHandler.StatsHandler)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting quiz session server", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildAuditSink always logs; with Postgres configured the trail also lands
// in audit_logs.
func buildAuditSink(durable *pgstore.Store, logger *slog.Logger) audit.Sink {
	slogSink := audit.NewSlogSink(logger)
	if durable == nil {
		return slogSink
	}
	return audit.Multi{slogSink, pgstore.NewAuditSink(durable, logger)}
}

// sampleQuizzes provides a minimal fixture set; the Postgres loader replaces
// this in any real deployment.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3"},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5"},
					},
					Points:           100,
					TimeLimitSeconds: 20,
				},
				{
					ID:     "q2",
					Prompt: "Which planet is known as the red planet?",
					Options: []domain.Option{
						{ID: "o1", Text: "Venus"},
						{ID: "o2", Text: "Mars", Correct: true},
						{ID: "o3", Text: "Jupiter"},
					},
					Points:           100,
					TimeLimitSeconds: 20,
				},
			},
		},
	}
}
