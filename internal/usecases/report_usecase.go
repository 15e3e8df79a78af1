package usecases

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/AilvenLiu/cad-recognition/internal/cache"
	"github.com/AilvenLiu/cad-recognition/internal/composer"
	"github.com/AilvenLiu/cad-recognition/internal/domain"
	"github.com/AilvenLiu/cad-recognition/internal/emitter"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	precomposeQueueSize = 100
	precomposeBatchSize = 10
	precomposeFlush     = 1 * time.Second

	defaultComposeTimeout = 30 * time.Second
)

// Режимы паузы между чанками.
const (
	PacingFixed = "fixed"
	PacingRate  = "rate"
)

// StreamSettings содержит серверные настройки потоковой отдачи отчетов.
type StreamSettings struct {
	MaxChunkSize      int
	MaxChunkSizeLimit int // верхняя граница для chunk_size из запроса
	Pace              time.Duration
	Pacing            string
	RateBurst         int
	MaxStreams        int
	ComposeTimeout    time.Duration // предел для общей сборки отчета
}

// StreamOptions содержит переопределения из конкретного запроса. nil означает "по умолчанию".
type StreamOptions struct {
	ChunkSize *int
	Pace      *time.Duration
}

// ReportUsecase отвечает за жизненный цикл заданий анализа и выдачу отчетов по ним.
// Связывает базу заданий, кэш готовых документов, composer и emitter.
// Главные задачи:
// 1. Валидация и сохранение заданий.
// 2. Cache-Aside для собранных документов, с фоновым прогревом после создания задания.
// 3. Ограничение числа одновременных операций с базой и одновременных стримов.
type ReportUsecase struct {
	repo      domain.JobRepository
	cache     domain.DocumentCache
	composer  *composer.Composer
	templates *composer.Registry
	logger    *zap.Logger

	settings        StreamSettings
	defaultTemplate string

	// Управление конкурентностью
	wg              sync.WaitGroup
	queueMu         sync.RWMutex
	queueClosed     bool
	precomposeQueue chan precomposeTask
	rateLimiter     *RateLimiter // операции с базой
	streamLimiter   *RateLimiter // одновременные стримы
	composeGroup    singleflight.Group
}

type precomposeTask struct {
	jobID    string
	template string
}

// RateLimiter ограничивает нагрузку семафором.
type RateLimiter struct {
	semaphore     chan struct{}
	maxConcurrent int
}

// NewRateLimiter создает ограничитель на maxConcurrent одновременных операций.
func NewRateLimiter(maxConcurrent int) *RateLimiter {
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		semaphore:     make(chan struct{}, maxConcurrent),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire ждет свободного слота или отмены контекста.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case rl.semaphore <- struct{}{}:
		return nil
	}
}

// TryAcquire занимает слот, только если он свободен прямо сейчас.
func (rl *RateLimiter) TryAcquire() bool {
	select {
	case rl.semaphore <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release освобождает слот.
func (rl *RateLimiter) Release() {
	select {
	case <-rl.semaphore:
	default:
	}
}

// InUse возвращает число занятых слотов.
func (rl *RateLimiter) InUse() int {
	return len(rl.semaphore)
}

// NewReportUsecase создает usecase и сразу запускает фоновый прогрев кэша.
func NewReportUsecase(
	repo domain.JobRepository,
	docCache domain.DocumentCache,
	comp *composer.Composer,
	templates *composer.Registry,
	logger *zap.Logger,
	maxConcurrentOps int,
	settings StreamSettings,
	defaultTemplate string,
) *ReportUsecase {
	if comp == nil {
		comp = composer.New(composer.WithLogger(logger))
	}
	if templates == nil {
		templates = composer.NewRegistry()
	}
	if settings.MaxChunkSize <= 0 {
		settings.MaxChunkSize = emitter.DefaultMaxChunkSize
	}
	if settings.MaxChunkSizeLimit < settings.MaxChunkSize {
		settings.MaxChunkSizeLimit = settings.MaxChunkSize
	}
	if settings.Pacing == "" {
		settings.Pacing = PacingFixed
	}
	if settings.ComposeTimeout <= 0 {
		settings.ComposeTimeout = defaultComposeTimeout
	}
	if defaultTemplate == "" {
		defaultTemplate = composer.ComparisonTemplateName
	}

	u := &ReportUsecase{
		repo:            repo,
		cache:           docCache,
		composer:        comp,
		templates:       templates,
		logger:          logger,
		settings:        settings,
		defaultTemplate: defaultTemplate,
		precomposeQueue: make(chan precomposeTask, precomposeQueueSize),
		rateLimiter:     NewRateLimiter(maxConcurrentOps),
		streamLimiter:   NewRateLimiter(settings.MaxStreams),
	}

	u.startBackgroundComposer()

	return u
}

// Templates возвращает реестр шаблонов.
func (u *ReportUsecase) Templates() *composer.Registry {
	return u.templates
}

// ActiveStreams возвращает число стримов, отдающихся прямо сейчас.
func (u *ReportUsecase) ActiveStreams() int {
	return u.streamLimiter.InUse()
}

// startBackgroundComposer разгребает очередь прогрева пачками:
// пачка уходит в работу, когда набралась целиком или по таймеру.
func (u *ReportUsecase) startBackgroundComposer() {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()

		batch := make([]precomposeTask, 0, precomposeBatchSize)

		ticker := time.NewTicker(precomposeFlush)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			tasks := make([]precomposeTask, len(batch))
			copy(tasks, batch)
			batch = batch[:0]
			u.processBatch(context.Background(), tasks)
		}

		for {
			select {
			case task, ok := <-u.precomposeQueue:
				if !ok {
					// Shutdown: дорабатываем остатки и выходим
					flush()
					return
				}
				batch = append(batch, task)
				if len(batch) >= precomposeBatchSize {
					flush()
				}

			case <-ticker.C:
				flush()
			}
		}
	}()
}

// processBatch собирает и кэширует отчеты для пачки заданий.
func (u *ReportUsecase) processBatch(ctx context.Context, tasks []precomposeTask) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()

		composed := 0
		for _, task := range tasks {
			if _, err := u.ComposeReport(ctx, task.jobID, task.template); err != nil {
				u.logger.Warn("не удалось заранее собрать отчет",
					zap.String("job_id", task.jobID),
					zap.String("template", task.template),
					zap.Error(err),
				)
				continue
			}
			composed++
		}

		u.logger.Info("пакет отчетов собран",
			zap.Int("всего", len(tasks)),
			zap.Int("успешно", composed),
		)
	}()
}

// schedulePrecompose ставит задание в очередь прогрева, не блокируясь.
func (u *ReportUsecase) schedulePrecompose(jobID, template string) {
	u.queueMu.RLock()
	defer u.queueMu.RUnlock()

	if u.queueClosed {
		return
	}

	select {
	case u.precomposeQueue <- precomposeTask{jobID: jobID, template: template}:
	default:
		u.logger.Warn("очередь прогрева полна, пропускаем",
			zap.String("job_id", jobID),
		)
	}
}

// SubmitJob проверяет задание по его шаблону и сохраняет его.
// Пустые ID, шаблон и дата заполняются значениями по умолчанию.
func (u *ReportUsecase) SubmitJob(ctx context.Context, job *domain.AnalysisJob) error {
	if job == nil {
		return &domain.ValidationError{Index: -1, Field: "job", Reason: "must not be nil"}
	}
	if job.Template == "" {
		job.Template = u.defaultTemplate
	}

	tmpl, err := u.templates.Lookup(job.Template)
	if err != nil {
		return err
	}
	if err := composer.ValidateResults(job.Results, tmpl); err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	if err := u.repo.Create(ctx, job); err != nil {
		u.logger.Error("ошибка сохранения задания",
			zap.String("id", job.ID),
			zap.Error(err),
		)
		return err
	}

	// Задание с тем же ID могло быть в кэше раньше
	if err := u.cache.DeletePrefix(ctx, cache.JobPrefix(job.ID)); err != nil {
		u.logger.Warn("не удалось очистить кэш", zap.String("id", job.ID), zap.Error(err))
	}

	u.schedulePrecompose(job.ID, job.Template)

	u.logger.Info("задание создано",
		zap.String("id", job.ID),
		zap.String("template", job.Template),
		zap.Int("sources", len(job.Results)),
	)

	return nil
}

// GetJob возвращает задание вместе с результатами стадий.
func (u *ReportUsecase) GetJob(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	job, err := u.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs возвращает сводки заданий, новые сверху.
func (u *ReportUsecase) ListJobs(ctx context.Context, params domain.PaginationParams) (*domain.PaginatedJobs, error) {
	if params.Limit <= 0 {
		params.Limit = defaultListLimit
	}
	if params.Limit > maxListLimit {
		params.Limit = maxListLimit
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	result, err := u.repo.List(ctx, params)
	if err != nil {
		u.logger.Error("ошибка получения списка", zap.Error(err))
		return nil, err
	}
	return result, nil
}

// DeleteJob удаляет задание и все собранные по нему отчеты.
func (u *ReportUsecase) DeleteJob(ctx context.Context, id string) error {
	if err := u.rateLimiter.Acquire(ctx); err != nil {
		return fmt.Errorf("превышен лимит запросов: %w", err)
	}
	defer u.rateLimiter.Release()

	if err := u.repo.Delete(ctx, id); err != nil {
		return err
	}

	if err := u.cache.DeletePrefix(ctx, cache.JobPrefix(id)); err != nil {
		u.logger.Warn("не удалось очистить кэш", zap.String("id", id), zap.Error(err))
	}

	u.logger.Info("задание удалено", zap.String("id", id))
	return nil
}

// ComposeReport возвращает документ отчета по заданию (Cache-Aside).
// Пустой template означает шаблон, с которым задание было создано.
// Одновременные запросы одного и того же отчета собирают его один раз.
func (u *ReportUsecase) ComposeReport(ctx context.Context, jobID, template string) (*domain.CompositeDocument, error) {
	if template != "" {
		if doc, ok := u.cache.Get(ctx, cache.ReportKey(jobID, template)); ok {
			u.logger.Debug("попадание в кэш", zap.String("job_id", jobID), zap.String("template", template))
			return doc, nil
		}
	}

	job, err := u.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if template == "" {
		template = job.Template
		if doc, ok := u.cache.Get(ctx, cache.ReportKey(jobID, template)); ok {
			return doc, nil
		}
	}

	key := cache.ReportKey(jobID, template)
	ch := u.composeGroup.DoChan(key, func() (interface{}, error) {
		// Результат ждут несколько запросов, поэтому отмена одного из них
		// не должна прерывать сборку для остальных.
		composeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.settings.ComposeTimeout)
		defer cancel()

		doc, err := u.compose(composeCtx, job.Results, template)
		if err != nil {
			return nil, err
		}

		// Сохранение в кэш не критично, ошибку только логируем
		cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cacheCancel()
		if err := u.cache.Set(cacheCtx, key, doc); err != nil {
			u.logger.Warn("не удалось закэшировать отчет", zap.String("key", key), zap.Error(err))
		}
		return doc, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// сборка продолжится для остальных ожидающих
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	if res.Shared {
		u.logger.Debug("сборка отчета разделена между запросами", zap.String("key", key))
	}
	return res.Val.(*domain.CompositeDocument), nil
}

func (u *ReportUsecase) compose(ctx context.Context, results []domain.StageResult, template string) (*domain.CompositeDocument, error) {
	if template == "" {
		template = u.defaultTemplate
	}
	tmpl, err := u.templates.Lookup(template)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	doc, err := u.composer.Compose(ctx, results, tmpl)
	if err != nil {
		return nil, err
	}

	u.logger.Debug("отчет собран",
		zap.String("template", template),
		zap.Int("sources", len(results)),
		zap.Int("bytes", doc.Len()),
		zap.Duration("duration", time.Since(start)),
	)
	return doc, nil
}

// StreamReport собирает (или берет из кэша) отчет по заданию и отдает его в sink чанками.
func (u *ReportUsecase) StreamReport(ctx context.Context, jobID, template string, sink domain.Sink, opts StreamOptions) (emitter.Report, error) {
	e, err := u.newEmitter(opts)
	if err != nil {
		return emptyReport(), err
	}

	if !u.streamLimiter.TryAcquire() {
		return emptyReport(), domain.ErrTooManyStreams
	}
	defer u.streamLimiter.Release()

	doc, err := u.ComposeReport(ctx, jobID, template)
	if err != nil {
		return emptyReport(), err
	}

	return u.emit(ctx, e, doc, sink, jobID)
}

// StreamResults собирает отчет по переданным результатам без сохранения и сразу его отдает.
func (u *ReportUsecase) StreamResults(ctx context.Context, results []domain.StageResult, template string, sink domain.Sink, opts StreamOptions) (emitter.Report, error) {
	e, err := u.newEmitter(opts)
	if err != nil {
		return emptyReport(), err
	}

	if !u.streamLimiter.TryAcquire() {
		return emptyReport(), domain.ErrTooManyStreams
	}
	defer u.streamLimiter.Release()

	doc, err := u.compose(ctx, results, template)
	if err != nil {
		return emptyReport(), err
	}

	return u.emit(ctx, e, doc, sink, "")
}

func (u *ReportUsecase) emit(ctx context.Context, e *emitter.Emitter, doc *domain.CompositeDocument, sink domain.Sink, jobID string) (emitter.Report, error) {
	report, err := e.Emit(ctx, doc, sink)

	fields := []zap.Field{
		zap.String("stream_id", report.StreamID),
		zap.String("job_id", jobID),
		zap.String("outcome", report.Outcome.String()),
		zap.Int("chunks", report.Chunks),
		zap.Int("bytes", report.Bytes),
		zap.Duration("duration", report.Duration),
	}
	switch report.Outcome {
	case domain.StreamCompleted:
		u.logger.Info("отчет отдан", fields...)
	case domain.StreamCancelled:
		u.logger.Info("отдача отчета прервана", append(fields, zap.Error(err))...)
	default:
		u.logger.Warn("ошибка отдачи отчета", append(fields, zap.Error(err))...)
	}

	return report, err
}

// CheckStreamOptions проверяет переопределения запроса, ничего не отдавая.
// Нужна там, где ошибку надо вернуть до начала стрима (WebSocket до upgrade).
func (u *ReportUsecase) CheckStreamOptions(opts StreamOptions) error {
	_, err := u.newEmitter(opts)
	return err
}

// newEmitter применяет переопределения запроса к серверным настройкам.
func (u *ReportUsecase) newEmitter(opts StreamOptions) (*emitter.Emitter, error) {
	// неположительный размер отклоняет emitter.New
	size := u.settings.MaxChunkSize
	if opts.ChunkSize != nil {
		if *opts.ChunkSize > u.settings.MaxChunkSizeLimit {
			return nil, &domain.ConfigurationError{
				Param:  "chunk_size",
				Value:  *opts.ChunkSize,
				Reason: fmt.Sprintf("must not exceed %d", u.settings.MaxChunkSizeLimit),
			}
		}
		size = *opts.ChunkSize
	}

	pace := u.settings.Pace
	if opts.Pace != nil {
		pace = *opts.Pace
	}
	if pace < 0 {
		return nil, &domain.ConfigurationError{Param: "pace", Value: pace, Reason: "must not be negative"}
	}

	pacing := emitter.WithPace(pace)
	if u.settings.Pacing == PacingRate && pace > 0 {
		pacing = emitter.WithPacer(emitter.NewRatePacer(pace, u.settings.RateBurst))
	}

	return emitter.New(size, pacing, emitter.WithLogger(u.logger))
}

func emptyReport() emitter.Report {
	return emitter.Report{Outcome: domain.StreamPending, LastIndex: -1}
}

// Shutdown останавливает прогрев и ждет завершения фоновых задач.
func (u *ReportUsecase) Shutdown() {
	u.queueMu.Lock()
	if !u.queueClosed {
		u.queueClosed = true
		close(u.precomposeQueue)
	}
	u.queueMu.Unlock()

	u.wg.Wait()

	u.logger.Info("бизнес-логика остановлена")
}
