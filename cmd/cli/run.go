package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/database"
	"mailflow/internal/handlers"
	"mailflow/internal/middleware"
	"mailflow/internal/observability"
	"mailflow/internal/repository"
	"mailflow/internal/services"
	"mailflow/pkg/mailer"
	"mailflow/pkg/taskqueue"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the API server, task workers and scheduler",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logger.Warnf("init tracing: %v", err)
	}

	// 初始化数据库
	db, err := database.Open(cfg.Database, cfg.Monitoring.Tracing.Enabled, cfg.Log.Level)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatalf("Failed to get database handle: %v", err)
	}
	defer sqlDB.Close()

	repos, err := repository.NewGorm(context.Background(), db, cfg.Database.AutoMigrate)
	if err != nil {
		logger.Fatalf("Failed to initialize repositories: %v", err)
	}

	// 任务队列
	queue := taskqueue.NewClient(&taskqueue.Config{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		Prefix:       cfg.Queue.Prefix,
		PromoteBatch: cfg.Queue.PromoteBatch,
		DialTimeout:  5 * time.Second,

		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}, logger)
	defer queue.Close()
	if err := queue.Ping(context.Background()); err != nil {
		logger.Warnf("Redis unavailable at startup: %v", err)
	}

	// 初始化服务
	dispatcher := services.NewTaskDispatcher(queue, cfg.Queue.DelayThreshold, logger)
	projectService := services.NewProjectService(repos, dispatcher, logger)
	automationService := services.NewAutomationService(repos, projectService, dispatcher, logger)
	eventService := services.NewEventService(repos, automationService, logger)

	checks := map[string]handlers.Checker{
		"database": sqlDB.PingContext,
		"redis":    queue.Ping,
	}

	// 邮件发送：未配置服务商时只记录日志
	var sender services.EmailSender = services.LogSender{Logger: logger}
	if cfg.Mail.Enabled {
		mailClient := mailer.NewClient(&mailer.Config{
			BaseURL:    cfg.Mail.BaseURL,
			APIKey:     cfg.Mail.APIKey,
			From:       cfg.Mail.From,
			Timeout:    cfg.Mail.Timeout,
			MaxRetries: cfg.Mail.MaxRetries,
			RetryDelay: 500 * time.Millisecond,
		}, logger)
		sender = services.MailerSender{Client: mailClient}
		checks["mail"] = mailClient.HealthCheck
	}

	worker := services.NewTaskWorker(queue, cfg.Queue.PopTimeout, logger)
	worker.RegisterDefaultHandlers(repos, sender)

	// 后台任务：worker 与延迟任务调度
	bgCtx, stopBackground := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		worker.Run(bgCtx, cfg.Queue.Workers)
	}()
	go func() {
		defer wg.Done()
		queue.RunScheduler(bgCtx, cfg.Queue.PromoteInterval)
	}()

	// 设置 Gin 模式
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	router.Use(middleware.CORSMiddleware(cfg))
	router.Use(middleware.RateLimitMiddleware(cfg))

	metricsPath := ""
	if cfg.Monitoring.Enabled {
		metricsPath = cfg.Monitoring.MetricsPath
	}
	handlers.RegisterSystemRoutes(router, handlers.NewHealthHandler(Version, checks, logger), metricsPath)

	api := router.Group("/api/v1")
	handlers.RegisterEventRoutes(api, handlers.NewEventHandler(eventService, logger))
	handlers.RegisterProjectRoutes(api, handlers.NewProjectHandler(projectService, repos, logger))
	handlers.RegisterQueueRoutes(api, handlers.NewQueueHandler(dispatcher, logger))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// 启动服务器
	go func() {
		logger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// 停止 worker，等待进行中的任务结束
	stopBackground()
	wg.Wait()

	logger.Info("Server exited")
}
