package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/cache"
	"github.com/AilvenLiu/cad-recognition/internal/composer"
	"github.com/AilvenLiu/cad-recognition/internal/config"
	"github.com/AilvenLiu/cad-recognition/internal/handlers"
	"github.com/AilvenLiu/cad-recognition/internal/middleware"
	"github.com/AilvenLiu/cad-recognition/internal/processor"
	"github.com/AilvenLiu/cad-recognition/internal/repositories"
	"github.com/AilvenLiu/cad-recognition/internal/usecases"
	"github.com/AilvenLiu/cad-recognition/pkg/logger"
)

const (
	// Reindexer может стартовать медленнее нас, даем ему время.
	healthCheckRetries    = 5
	healthCheckRetryDelay = 2 * time.Second

	healthCheckInterval = 30 * time.Second
)

// App держит вместе все зависимости сервиса и управляет их жизненным циклом (старт/стоп).
type App struct {
	config  *config.Config
	logger  *zap.Logger
	repo    *repositories.ReindexerRepository
	cache   *cache.ShardedCache
	encoder *processor.OrderedEncoder
	usecase *usecases.ReportUsecase
	server  *http.Server

	// Защита от повторного вызова Initialize().
	initOnce sync.Once
	initErr  error

	// Context отменяет все фоновые задачи разом при выключении.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewApp создает "пустую" заготовку приложения.
// Основная настройка произойдет позже в методе Initialize().
func NewApp() *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize запускает настройку всех компонентов. Либо все, либо ошибка.
func (a *App) Initialize() error {
	a.initOnce.Do(func() {
		a.initErr = a.doInitialize()
	})
	return a.initErr
}

// doInitialize собирает приложение.
// Порядок важен: конфиг и логгер, потом репозиторий -> кэш -> composer -> бизнес-логика -> API.
func (a *App) doInitialize() error {
	// 1. Настройки. Путь к файлу берем из окружения, иначе файл по умолчанию.
	configPath := os.Getenv("APP_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Если файла нет, работаем на значениях по умолчанию и ENV.
	fileErr := config.Load(configPath)
	if fileErr != nil {
		if err := config.Load(""); err != nil {
			return fmt.Errorf("критическая ошибка конфигурации: %w", err)
		}
	}
	a.config = config.Get()

	// 2. Логгер: уровень теперь известен из конфига.
	if err := logger.Init(a.config.Log.Level, a.config.Log.Development); err != nil {
		return fmt.Errorf("не удалось инициализировать логгер: %w", err)
	}
	a.logger = logger.Get()

	if fileErr != nil {
		a.logger.Warn("не удалось загрузить конфиг-файл, используем значения по умолчанию и ENV",
			zap.String("path", configPath),
			zap.Error(fileErr),
		)
	}
	a.logger.Info("конфигурация загружена",
		zap.String("server_host", a.config.Server.Host),
		zap.Int("server_port", a.config.Server.Port),
		zap.Int("max_chunk_size", a.config.Stream.MaxChunkSize),
		zap.Duration("pace", a.config.Stream.Pace),
		zap.String("pacing", a.config.Stream.Pacing),
	)

	// 3. База заданий.
	if err := a.initializeRepository(); err != nil {
		return fmt.Errorf("ошибка инициализации репозитория: %w", err)
	}

	// 4. Кэш собранных отчетов и его уборщик.
	a.cache = cache.NewShardedCache(a.config.Cache.Shards, a.config.Cache.TTL,
		cache.WithMaxBytes(a.config.Cache.MaxBytes),
	)
	a.cache.StartCleanupWorker()

	// 5. Пул для параллельного кодирования картинок в data URI.
	encoder, err := processor.NewOrderedEncoder(a.config.Concurrency.EncoderWorkers, a.logger)
	if err != nil {
		return fmt.Errorf("ошибка запуска кодировщика: %w", err)
	}
	a.encoder = encoder

	// 6. Бизнес-логика.
	comp := composer.New(
		composer.WithEncoder(a.encoder),
		composer.WithLogger(a.logger),
	)
	a.usecase = usecases.NewReportUsecase(
		a.repo,
		a.cache,
		comp,
		composer.NewRegistry(),
		a.logger,
		a.config.Concurrency.MaxConcurrentOps,
		usecases.StreamSettings{
			MaxChunkSize:      a.config.Stream.MaxChunkSize,
			MaxChunkSizeLimit: a.config.Stream.MaxChunkSizeLimit,
			Pace:              a.config.Stream.Pace,
			Pacing:            a.config.Stream.Pacing,
			RateBurst:         a.config.Stream.RateBurst,
			MaxStreams:        a.config.Concurrency.MaxStreams,
			ComposeTimeout:    a.config.Report.ComposeTimeout,
		},
		a.config.Report.DefaultTemplate,
	)

	// Шаблон по умолчанию должен существовать, иначе каждое задание без шаблона упадет.
	if _, err := a.usecase.Templates().Lookup(a.config.Report.DefaultTemplate); err != nil {
		return fmt.Errorf("шаблон по умолчанию: %w", err)
	}

	// 7. HTTP сервер.
	if err := a.initializeServer(); err != nil {
		return fmt.Errorf("ошибка настройки сервера: %w", err)
	}

	a.logger.Info("приложение готово к работе")
	return nil
}

// initializeRepository подключается к Reindexer с повторными попытками,
// проверяет связь и создает namespace, если его нет.
func (a *App) initializeRepository() error {
	var err error

	for attempt := 0; attempt < healthCheckRetries; attempt++ {
		if attempt > 0 {
			a.logger.Info("повторная попытка подключения к БД",
				zap.Int("попытка", attempt+1),
				zap.Duration("пауза", healthCheckRetryDelay),
			)
			time.Sleep(healthCheckRetryDelay)
		}

		repo, initErr := repositories.NewReindexerRepository(
			a.config.Reindexer.DSN,
			a.config.Reindexer.MaxConnections,
			a.logger,
		)
		if initErr != nil {
			err = initErr
			a.logger.Warn("не удалось создать клиент репозитория",
				zap.Int("попытка", attempt+1),
				zap.Error(initErr),
			)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		checkErr := repo.CheckConnection(ctx)
		cancel()
		if checkErr != nil {
			repo.Close()
			err = checkErr
			a.logger.Warn("нет связи с Reindexer",
				zap.Int("попытка", attempt+1),
				zap.Error(checkErr),
			)
			continue
		}

		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		ensureErr := repo.EnsureCollections(ctx)
		cancel()
		if ensureErr != nil {
			repo.Close()
			err = ensureErr
			a.logger.Warn("проблема с namespace заданий",
				zap.Int("попытка", attempt+1),
				zap.Error(ensureErr),
			)
			continue
		}

		a.repo = repo
		a.logger.Info("репозиторий успешно инициализирован",
			zap.Int("попыток_затрачено", attempt+1),
			zap.String("dsn", a.config.Reindexer.DSN),
		)
		return nil
	}

	return fmt.Errorf("не удалось подключиться к БД после %d попыток: %w", healthCheckRetries, err)
}

// initializeServer настраивает HTTP-роутинг и middleware.
func (a *App) initializeServer() error {
	jobHandler := handlers.NewJobHandler(a.usecase, a.logger)
	reportHandler := handlers.NewReportHandler(a.usecase, a.logger, a.config.Stream.WriteTimeout)

	r := chi.NewRouter()

	rateLimiter := middleware.NewRateLimiter(a.config.Server.RateLimitRPS, a.config.Server.RateLimitBurst)

	// /health без middleware, чтобы отвечать максимально быстро.
	r.Get("/health", a.healthCheckHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.LoggingMiddleware(a.logger))
		r.Use(middleware.RecoveryMiddleware(a.logger))
		r.Use(middleware.RateLimitMiddleware(rateLimiter, a.logger))

		// Обычные запросы ограничены по времени.
		r.Group(func(r chi.Router) {
			r.Use(middleware.TimeoutMiddleware(a.config.Server.RequestTimeout))

			r.Get("/jobs", jobHandler.ListJobs)
			r.Post("/jobs", jobHandler.CreateJob)
			r.Get("/jobs/{id}", jobHandler.GetJob)
			r.Delete("/jobs/{id}", jobHandler.DeleteJob)
			r.Get("/templates", reportHandler.ListTemplates)
		})

		// Стримы живут, пока клиент читает. Длительность задают размер отчета и пауза между чанками.
		r.Get("/jobs/{id}/report", reportHandler.StreamReport)
		r.Get("/jobs/{id}/report/ws", reportHandler.StreamReportWS)
		r.Post("/reports", reportHandler.ComposeReport)
	})

	addr := fmt.Sprintf("%s:%d", a.config.Server.Host, a.config.Server.Port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       a.config.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		// WriteTimeout не ставим: он оборвал бы длинный стрим. Медленного читателя
		// отсекает отмена контекста запроса, для websocket дедлайн записи кадра.
		IdleTimeout: 60 * time.Second,
	}

	return nil
}

// healthCheckHandler отвечает на проверки "ты жив?" и проверяет связь с базой.
func (a *App) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	}
	if a.usecase != nil {
		health["active_streams"] = a.usecase.ActiveStreams()
	}
	if a.cache != nil {
		health["cached_reports"] = a.cache.GetStats().Documents
	}

	w.Header().Set("Content-Type", "application/json")

	if a.repo != nil {
		if err := a.repo.CheckConnection(ctx); err != nil {
			health["status"] = "unhealthy"
			health["error"] = err.Error()
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(health)
			return
		}
		health["database"] = "connected"
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(health)
}

// StartBackgroundJobs запускает все фоновые процессы.
func (a *App) StartBackgroundJobs() {
	a.wg.Add(1)
	go a.periodicHealthCheck()
}

// periodicHealthCheck периодически пишет в лог состояние базы, кэша и стримов.
func (a *App) periodicHealthCheck() {
	defer a.wg.Done()

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			a.logger.Info("фоновая проверка здоровья остановлена")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
			if err := a.repo.CheckConnection(ctx); err != nil {
				a.logger.Warn("фоновая проверка: проблема с БД", zap.Error(err))
			}
			cancel()

			stats := a.cache.GetStats()
			a.logger.Debug("фоновая проверка",
				zap.Int("cached_reports", stats.Documents),
				zap.Int("cached_bytes", stats.Bytes),
				zap.Int("evicted_reports", stats.Evicted),
				zap.Int("active_streams", a.usecase.ActiveStreams()),
				zap.Int("busy_encoders", a.encoder.Running()),
			)
		}
	}
}

// Start запускает сервер в отдельной горутине, чтобы main мог слушать сигналы ОС.
func (a *App) Start() error {
	if err := a.Initialize(); err != nil {
		return err
	}

	a.StartBackgroundJobs()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("запуск HTTP сервера",
			zap.String("адрес", a.server.Addr),
		)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Fatal("сервер упал с ошибкой", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown аккуратно останавливает приложение, дожидаясь текущих запросов.
// Незаконченные стримы получают отмену контекста и завершаются как Cancelled.
func (a *App) Shutdown() error {
	var shutdownErr error

	a.shutdownOnce.Do(func() {
		timeout := a.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		a.logger.Info("начинаем остановку приложения...")

		// 1. Сигнал фоновым задачам.
		a.cancel()

		// 2. Перестаем принимать запросы и ждем текущие.
		if a.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Error("ошибка при остановке сервера", zap.Error(err))
				shutdownErr = err
			}
			cancel()
		}

		// 3. Бизнес-логика (очередь прогрева).
		if a.usecase != nil {
			a.usecase.Shutdown()
		}

		// 4. Пул кодировщика останавливаем после usecase, прогрев еще может кодировать.
		if a.encoder != nil {
			a.encoder.Stop()
		}

		// 5. Уборщик кэша.
		if a.cache != nil {
			a.cache.StopCleanupWorker()
		}

		// 6. Соединение с БД.
		if a.repo != nil {
			if err := a.repo.Close(); err != nil {
				a.logger.Error("ошибка при закрытии БД", zap.Error(err))
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		// 7. Ждем горутины.
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			a.logger.Info("все фоновые процессы завершены")
		case <-time.After(timeout):
			a.logger.Warn("таймаут ожидания завершения процессов (принудительный выход)")
		}

		a.logger.Info("приложение остановлено успешно")
		_ = logger.Sync()
	})

	return shutdownErr
}

func main() {
	app := NewApp()

	if err := app.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Фатальная ошибка запуска: %v\n", err)
		os.Exit(1)
	}

	// Ждем Ctrl+C или docker stop.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := app.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка при остановке: %v\n", err)
		os.Exit(1)
	}
}
