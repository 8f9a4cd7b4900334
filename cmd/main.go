package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"conversation-orchestrator/handler"
	"conversation-orchestrator/internal/integrations/anthropic"
	"conversation-orchestrator/internal/integrations/openai"
	"conversation-orchestrator/internal/integrations/paramstore"
	"conversation-orchestrator/internal/repository"
	"conversation-orchestrator/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	paramPrefix := mustEnv("PARAM_PREFIX")
	storeBackend := strings.ToLower(envString("STORE_BACKEND", "dynamodb"))
	agentStrategy := strings.ToLower(envString("AGENT_STRATEGY", openai.Provider))
	defaultPageSize := envInt("DEFAULT_PAGE_SIZE", 10)
	maxPageSize := envInt("MAX_PAGE_SIZE", 100)
	maxHistory := envInt("MAX_HISTORY_MESSAGES", 20)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	settings, err := ssmClient.LoadSettings(ctx, paramPrefix)
	if err != nil {
		slog.Error("failed to load runtime settings", "err", err)
		os.Exit(1)
	}

	var store usecase.ConversationStore
	switch storeBackend {
	case "memory":
		slog.Warn("using in-memory conversation store; data is lost on cold start")
		store = repository.NewMemoryStore(nil)
	case "sqlite":
		sqliteStore, err := repository.NewSQLiteStore(envString("SQLITE_PATH", "/tmp/conversations.db"), nil)
		if err != nil {
			slog.Error("failed to open sqlite conversation store", "err", err)
			os.Exit(1)
		}
		store = sqliteStore
	case "dynamodb":
		conversations, err := repository.New(
			awsdynamodb.NewFromConfig(cfg),
			mustEnv("CONVERSATIONS_TABLE"),
			repository.WithTsIndex(envString("CONVERSATIONS_TS_INDEX", repository.DefaultTsIndex)),
		)
		if err != nil {
			slog.Error("failed to create conversation store", "err", err)
			os.Exit(1)
		}
		store = conversations
	default:
		slog.Error("unknown store backend", "backend", storeBackend)
		os.Exit(1)
	}

	var strategy usecase.Strategy
	switch agentStrategy {
	case openai.Provider:
		strategy, err = openai.NewStrategy(ssmClient, paramPrefix,
			openai.WithModel(settings.Model),
			openai.WithSystemPrompt(settings.SystemPrompt),
			openai.WithMaxHistory(maxHistory),
		)
	case anthropic.Provider:
		strategy, err = anthropic.NewStrategy(ssmClient, paramPrefix,
			anthropic.WithModel(settings.Model),
			anthropic.WithSystemPrompt(settings.SystemPrompt),
			anthropic.WithMaxHistory(maxHistory),
		)
	default:
		slog.Error("unknown agent strategy", "strategy", agentStrategy)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("failed to create strategy", "strategy", agentStrategy, "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	sessions, err := usecase.NewSessionService(store, strategy, logger)
	if err != nil {
		slog.Error("failed to create session service", "err", err)
		os.Exit(1)
	}
	conversations, err := usecase.NewConversationService(store, logger, defaultPageSize, maxPageSize)
	if err != nil {
		slog.Error("failed to create conversation service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(sessions, conversations,
		handler.WithAuthentication(settings.EnableAuthentication),
		handler.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("orchestrator ready",
		"store", storeBackend, "strategy", agentStrategy, "authentication", settings.EnableAuthentication)
	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func logLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo
	}
	return level
}
