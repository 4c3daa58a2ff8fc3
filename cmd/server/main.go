package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gorilla/mux"
	"github.com/medigate/medigate/internal/audit"
	"github.com/medigate/medigate/internal/config"
	"github.com/medigate/medigate/internal/handlers"
	"github.com/medigate/medigate/internal/middleware"
	"github.com/medigate/medigate/internal/proxy"
	"github.com/medigate/medigate/internal/service"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	redisClient, err := initRedis(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize Redis")
	}
	defer redisClient.Close()

	auditor, err := initAuditor(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize audit recorder")
	}

	// Initialize services
	tokenService := service.NewTokenService(redisClient, logger)
	sessionService := service.NewSessionService(redisClient, &cfg.Session, logger)

	jwtService, err := service.NewJWTService(&cfg.JWT, tokenService, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize JWT service")
	}

	authHandlers := handlers.NewAuthHandlers(
		jwtService,
		tokenService,
		sessionService,
		auditor,
		&cfg.JWT,
		&cfg.Session,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(jwtService, sessionService, &cfg.Session, logger)

	dispatcher, err := proxy.NewDispatcher(&cfg.Proxy, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize proxy dispatcher")
	}

	router := setupRouter(authHandlers, authMiddleware, dispatcher, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting gateway")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gateway...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Gateway exited")
}

func initRedis(cfg *config.Config, logger *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Endpoint,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized")
	return client, nil
}

func initAuditor(cfg *config.Config, logger *logrus.Logger) (audit.Recorder, error) {
	if !cfg.DynamoDB.Enabled {
		logger.Info("Audit trail disabled")
		return audit.NopRecorder{}, nil
	}

	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO(),
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(context.TODO())
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("DynamoDB audit recorder initialized")
	return audit.NewDynamoRecorder(client, cfg.DynamoDB.TableName, logger), nil
}

func setupRouter(
	authHandlers *handlers.AuthHandlers,
	authMiddleware *middleware.AuthMiddleware,
	dispatcher *proxy.Dispatcher,
	logger *logrus.Logger,
) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.LoggingMiddleware(logger))

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	auth := router.PathPrefix("/api/auth").Subrouter()
	auth.HandleFunc("/token/refresh", authHandlers.RefreshToken).Methods("POST")
	auth.Handle("/logout", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.Logout))).Methods("POST")
	auth.Handle("/sessions", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.ListSessions))).Methods("GET")
	auth.Handle("/sessions/{sessionId}", authMiddleware.RequireAuth(http.HandlerFunc(authHandlers.TerminateSession))).Methods("DELETE")

	dispatcher.Register(router, authMiddleware.RequireAuth)

	return router
}
