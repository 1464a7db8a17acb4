package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"intake-router/handler"
	"intake-router/internal/integrations/appointments"
	"intake-router/internal/integrations/paramstore"
	"intake-router/internal/integrations/triage"
	"intake-router/internal/repository"
	"intake-router/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")

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
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	tenants, err := repository.NewTenantClient(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create tenant client", "err", err)
		os.Exit(1)
	}
	sessions, err := repository.NewSessionClient(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create session client", "err", err)
		os.Exit(1)
	}

	// Endpoint URLs come from the environment when set, otherwise from SSM
	// under the same prefix as the API keys.
	triageBaseURL, err := envOrParam(ctx, ssmClient, "TRIAGE_BASE_URL", paramPrefix, "triage-base-url")
	if err != nil {
		slog.Error("failed to resolve triage base URL", "err", err)
		os.Exit(1)
	}
	appointmentBaseURL, err := envOrParam(ctx, ssmClient, "APPOINTMENT_BASE_URL", paramPrefix, "appointments-base-url")
	if err != nil {
		slog.Error("failed to resolve appointment base URL", "err", err)
		os.Exit(1)
	}

	triageClient, err := triage.NewClient(triageBaseURL, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create triage client", "err", err)
		os.Exit(1)
	}
	appointmentClient, err := appointments.NewClient(appointmentBaseURL, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create appointment client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	intakeService, err := usecase.NewIntakeService(tenants, sessions, triageClient, appointmentClient)
	if err != nil {
		slog.Error("failed to create intake service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(intakeService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

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

func envOrParam(ctx context.Context, ps *paramstore.Client, envKey, prefix, name string) (string, error) {
	if v := os.Getenv(envKey); v != "" {
		return v, nil
	}
	return ps.GetParameter(ctx, strings.TrimRight(prefix, "/")+"/"+name)
}
