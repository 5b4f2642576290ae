package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"support-agent/handler"
	"support-agent/internal/brand"
	"support-agent/internal/emotion"
	"support-agent/internal/escalation"
	"support-agent/internal/integrations/commerce"
	"support-agent/internal/integrations/openai"
	"support-agent/internal/integrations/paramstore"
	"support-agent/internal/repository"
	"support-agent/internal/retrieval"
	"support-agent/internal/tools"
	"support-agent/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	knowledgeTable := mustEnv("KNOWLEDGE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	commerceURL := mustEnv("COMMERCE_BASE_URL")
	limits := usecase.Limits{
		MaxContextTurns:   envInt("MAX_CONTEXT_TURNS", 10),
		MaxMessageLen:     envInt("MAX_MESSAGE_LENGTH", 1000),
		ToolTimeout:       envDuration("TOOL_TIMEOUT", 3*time.Second),
		RetrievalTimeout:  envDuration("RETRIEVAL_TIMEOUT", 2*time.Second),
		GenerationTimeout: envDuration("GENERATION_TIMEOUT", 20*time.Second),
		SessionTTL:        envDuration("SESSION_TTL", 30*time.Minute),
	}
	useEmbeddings := os.Getenv("RETRIEVAL_SCORER") == "embedding"

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(os.Getenv("LOG_LEVEL"))}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}
	knowledgeClient, err := repository.NewKnowledge(dynamoClient, knowledgeTable)
	if err != nil {
		fatal("failed to create knowledge client", err)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix, openai.WithEmbeddingModel(os.Getenv("EMBEDDING_MODEL")))
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}

	commerceOpts := []commerce.Option{}
	if name := os.Getenv("COMMERCE_TOKEN_PARAM"); name != "" {
		token, err := commerceToken(ctx, ssmClient, name)
		if err != nil {
			fatal("failed to read commerce token", err)
		}
		commerceOpts = append(commerceOpts, commerce.WithToken(token))
	}
	commerceClient, err := commerce.NewClient(commerceURL, commerceOpts...)
	if err != nil {
		fatal("failed to create commerce client", err)
	}

	// ---- Domain components ----
	brandSource, err := brand.NewParamSource(ssmClient, paramPrefix)
	if err != nil {
		fatal("failed to create brand source", err)
	}
	brands, err := brand.NewRegistry(brandSource)
	if err != nil {
		fatal("failed to create brand registry", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterCommerce(registry, commerceClient); err != nil {
		fatal("failed to register tools", err)
	}
	dispatcher, err := tools.NewDispatcher(registry, tools.WithDispatchLogger(logger))
	if err != nil {
		fatal("failed to create tool dispatcher", err)
	}

	var scorer retrieval.Scorer = retrieval.LexicalScorer{}
	if useEmbeddings {
		es, err := retrieval.NewEmbeddingScorer(openaiClient)
		if err != nil {
			fatal("failed to create embedding scorer", err)
		}
		scorer = es
	}
	retriever, err := retrieval.New(knowledgeClient, scorer, retrieval.WithLogger(logger))
	if err != nil {
		fatal("failed to create retriever", err)
	}

	// ---- Handler ----
	supportService, err := usecase.NewSupportService(usecase.Dependencies{
		Brands:      brands,
		Emotions:    emotion.NewProvider(logger),
		Escalations: escalation.NewProvider(),
		Retriever:   retriever,
		Tools:       dispatcher,
		LLM:         openaiClient,
		Sessions:    stateClient,
		Logger:      logger,
	}, limits)
	if err != nil {
		fatal("failed to create support service", err)
	}

	h, err := handler.NewHandlerWithLogger(supportService, logger)
	if err != nil {
		fatal("failed to create handler", err)
	}

	lambda.Start(h.Handle)
}

func commerceToken(ctx context.Context, params paramstore.Getter, name string) (string, error) {
	raw, err := params.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return "", err
	}
	return payload.Token, nil
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid duration", "key", key, "value", v)
		return def
	}
	return d
}

func logLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
