package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/aws"
	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/handlers"
	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/idempotency"
	"github.com/EdoardoMongardi/NYU-Buddy-APP-sub001/internal/sessions"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterSessionRoutes(r, cfg)

	return r
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// if environment variable RUN_LOCAL is set to "true", run a local HTTP
	// server for development: in-memory idempotency store, no queue.
	if os.Getenv("RUN_LOCAL") == "true" {
		localClients, err := aws.NewAWSClients(context.Background())
		if err != nil {
			log.Fatalf("failed to init aws clients: %v", err)
		}
		svc := sessions.NewService(sessions.NewStore(localClients.DynamoDB, os.Getenv("SESSIONS_TABLE")), nil, logger)
		r := setupRouter(handlers.HandlerConfig{
			IdempotencyStore: idempotency.NewMemoryStore(),
			Sessions:         svc,
			Logger:           logger,
		})
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	store := idempotency.NewDynamoStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"))
	publisher := aws.NewPublisher(clients.SQS, os.Getenv("SESSION_EVENTS_QUEUE_URL"))
	svc := sessions.NewService(sessions.NewStore(clients.DynamoDB, os.Getenv("SESSIONS_TABLE")), publisher, logger)

	var metrics idempotency.Metrics
	if ns := os.Getenv("METRICS_NAMESPACE"); ns != "" {
		metrics = aws.NewMetricsRecorder(clients.CloudWatch, ns, logger)
	}

	r := setupRouter(handlers.HandlerConfig{
		IdempotencyStore: store,
		Sessions:         svc,
		Logger:           logger,
		Metrics:          metrics,
	})

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
