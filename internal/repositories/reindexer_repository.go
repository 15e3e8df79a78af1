package repositories

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/restream/reindexer/v4"
	// cproto (RPC) заметно быстрее HTTP-протокола.
	_ "github.com/restream/reindexer/v4/bindings/cproto"
	"go.uber.org/zap"

	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

const (
	// Неймспейс с заданиями анализа чертежей.
	jobsNamespace = "analysis_jobs"

	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultQueryTimeout   = 5 * time.Second
)

// jobRecord хранит задание в базе.
// Изображения храним строками base64, дату в unix-наносекундах, чтобы по ней работал индекс сортировки.
type jobRecord struct {
	ID        string         `json:"id" reindex:"id,,pk"`
	Title     string         `json:"title" reindex:"title"`
	Template  string         `json:"template" reindex:"template"`
	Sources   int            `json:"sources" reindex:"sources"`
	CreatedAt int64          `json:"created_at" reindex:"created_at,tree"`
	Results   []resultRecord `json:"results"`
}

// resultRecord хранит результаты обеих стадий для одного чертежа.
type resultRecord struct {
	SourceID       string                 `json:"source_id"`
	HasDetection   bool                   `json:"has_detection"`
	DetectionImage string                 `json:"detection_image"`
	DetectionMeta  map[string]interface{} `json:"detection_meta,omitempty"`
	HasOCR         bool                   `json:"has_ocr"`
	OCRImage       string                 `json:"ocr_image"`
	Texts          []string               `json:"texts"`
}

func toRecord(job *domain.AnalysisJob) *jobRecord {
	rec := &jobRecord{
		ID:        job.ID,
		Title:     job.Title,
		Template:  job.Template,
		Sources:   len(job.Results),
		CreatedAt: job.CreatedAt.UnixNano(),
		Results:   make([]resultRecord, len(job.Results)),
	}
	for i, r := range job.Results {
		out := resultRecord{SourceID: r.SourceID}
		if r.Detection != nil {
			out.HasDetection = true
			out.DetectionImage = base64.StdEncoding.EncodeToString(r.Detection.AnnotatedImage)
			out.DetectionMeta = r.Detection.Metadata
		}
		if r.OCR != nil {
			out.HasOCR = true
			out.OCRImage = base64.StdEncoding.EncodeToString(r.OCR.AnnotatedImage)
			out.Texts = r.OCR.Texts
		}
		rec.Results[i] = out
	}
	return rec
}

func fromRecord(rec *jobRecord) (*domain.AnalysisJob, error) {
	job := &domain.AnalysisJob{
		ID:        rec.ID,
		Title:     rec.Title,
		Template:  rec.Template,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
		Results:   make([]domain.StageResult, len(rec.Results)),
	}
	for i, r := range rec.Results {
		out := domain.StageResult{SourceID: r.SourceID}
		if r.HasDetection {
			img, err := base64.StdEncoding.DecodeString(r.DetectionImage)
			if err != nil {
				return nil, fmt.Errorf("результат %d: повреждено изображение детекции: %w", i, err)
			}
			out.Detection = &domain.Detection{AnnotatedImage: img, Metadata: r.DetectionMeta}
		}
		if r.HasOCR {
			img, err := base64.StdEncoding.DecodeString(r.OCRImage)
			if err != nil {
				return nil, fmt.Errorf("результат %d: повреждено изображение OCR: %w", i, err)
			}
			out.OCR = &domain.OCR{AnnotatedImage: img, Texts: r.Texts}
		}
		job.Results[i] = out
	}
	return job, nil
}

func toSummary(rec *jobRecord) domain.JobSummary {
	return domain.JobSummary{
		ID:        rec.ID,
		Title:     rec.Title,
		Template:  rec.Template,
		Sources:   rec.Sources,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}
}

// HealthStatus хранит текущее состояние подключения к базе.
type HealthStatus struct {
	IsHealthy   bool
	LastCheck   time.Time
	LastError   error
	Connections int
}

// ReindexerRepository хранит задания анализа в Reindexer.
// Держит главное соединение и пул дополнительных, следит за здоровьем базы.
type ReindexerRepository struct {
	dsn      string
	poolSize int
	logger   *zap.Logger

	mu          sync.RWMutex
	db          *reindexer.Reindexer
	connections []*reindexer.Reindexer
	next        atomic.Uint64 // счетчик round-robin по пулу

	// Статус читается health check'ом без блокировок.
	healthStatus atomic.Value // *HealthStatus

	collectionsInitialized atomic.Bool
	collectionsMu          sync.Mutex
}

// NewReindexerRepository создает репозиторий и сразу подключается к базе.
func NewReindexerRepository(dsn string, maxConnections int, logger *zap.Logger) (*ReindexerRepository, error) {
	if maxConnections < 1 {
		maxConnections = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	repo := &ReindexerRepository{
		dsn:         dsn,
		poolSize:    maxConnections,
		logger:      logger,
		connections: make([]*reindexer.Reindexer, 0, maxConnections),
	}
	repo.healthStatus.Store(&HealthStatus{LastCheck: time.Now()})

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	if err := repo.Connect(ctx); err != nil {
		return nil, fmt.Errorf("ошибка подключения к базе: %w", err)
	}

	return repo, nil
}

// Connect устанавливает соединения, повторяя попытки, если база временно недоступна.
func (r *ReindexerRepository) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.connectWithRetry(ctx, defaultMaxRetries)
}

func (r *ReindexerRepository) connectWithRetry(ctx context.Context, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := defaultRetryDelay * time.Duration(attempt)
			r.logger.Info("повторная попытка подключения",
				zap.Int("попытка", attempt+1),
				zap.Duration("пауза", delay),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		db := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())
		if err := r.ping(ctx, db); err != nil {
			lastErr = err
			db.Close()
			r.logger.Warn("тест соединения провален",
				zap.Int("попытка", attempt+1),
				zap.Error(err),
			)
			continue
		}

		r.closeAll()
		r.db = db

		r.connections = make([]*reindexer.Reindexer, 0, r.poolSize)
		for i := 0; i < r.poolSize; i++ {
			conn := reindexer.NewReindex(r.dsn, reindexer.WithCreateDBIfMissing())
			if err := r.ping(ctx, conn); err != nil {
				conn.Close()
				r.logger.Warn("не удалось создать соединение в пуле",
					zap.Int("индекс", i),
					zap.Error(err),
				)
				continue
			}
			r.connections = append(r.connections, conn)
		}

		// После переподключения неймспейсы нужно открыть заново.
		r.collectionsInitialized.Store(false)
		r.updateHealthStatus(true, nil, len(r.connections)+1)

		r.logger.Info("успешно подключились к Reindexer",
			zap.Int("размер_пула", len(r.connections)),
		)
		return nil
	}

	r.updateHealthStatus(false, lastErr, 0)
	return fmt.Errorf("не удалось подключиться после %d попыток: %w", maxRetries, lastErr)
}

// ping проверяет, что соединение живое.
func (r *ReindexerRepository) ping(ctx context.Context, db *reindexer.Reindexer) error {
	if db == nil {
		return fmt.Errorf("объект соединения nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.Ping()
}

// closeAll закрывает все соединения. Вызывается под r.mu.
func (r *ReindexerRepository) closeAll() {
	if r.db != nil {
		r.db.Close()
		r.db = nil
	}
	for i, conn := range r.connections {
		if conn != nil {
			conn.Close()
			r.connections[i] = nil
		}
	}
	r.connections = r.connections[:0]
}

// getConnection раздает соединения пула по кругу.
func (r *ReindexerRepository) getConnection() *reindexer.Reindexer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.connections) == 0 {
		return r.db
	}
	n := r.next.Add(1)
	return r.connections[int(n%uint64(len(r.connections)))]
}

func (r *ReindexerRepository) updateHealthStatus(isHealthy bool, err error, connections int) {
	r.healthStatus.Store(&HealthStatus{
		IsHealthy:   isHealthy,
		LastCheck:   time.Now(),
		LastError:   err,
		Connections: connections,
	})
}

// Health возвращает последний известный статус соединения.
func (r *ReindexerRepository) Health() *HealthStatus {
	status, _ := r.healthStatus.Load().(*HealthStatus)
	if status == nil {
		return &HealthStatus{}
	}
	return status
}

func (r *ReindexerRepository) markFailure(err error) {
	r.updateHealthStatus(false, err, r.Health().Connections)
}

// EnsureCollections открывает неймспейс заданий на всех соединениях (создает при отсутствии).
func (r *ReindexerRepository) EnsureCollections(ctx context.Context) error {
	if r.collectionsInitialized.Load() {
		return nil
	}

	r.collectionsMu.Lock()
	defer r.collectionsMu.Unlock()

	if r.collectionsInitialized.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.db == nil {
		return fmt.Errorf("соединение с базой не установлено")
	}

	opts := reindexer.DefaultNamespaceOptions()
	if err := r.db.OpenNamespace(jobsNamespace, opts, jobRecord{}); err != nil {
		return fmt.Errorf("ошибка открытия неймспейса: %w", err)
	}

	// Соединения пула тоже должны знать схему.
	for i, conn := range r.connections {
		if conn == nil {
			continue
		}
		if err := conn.OpenNamespace(jobsNamespace, opts, jobRecord{}); err != nil {
			r.logger.Warn("ошибка открытия неймспейса для соединения из пула",
				zap.Int("индекс", i),
				zap.Error(err),
			)
		}
	}

	r.collectionsInitialized.Store(true)
	r.logger.Info("коллекции инициализированы", zap.String("namespace", jobsNamespace))
	return nil
}

// Create сохраняет новое задание.
func (r *ReindexerRepository) Create(ctx context.Context, job *domain.AnalysisJob) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	db := r.getConnection()
	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	if err := db.WithContext(ctx).Upsert(jobsNamespace, toRecord(job)); err != nil {
		r.logger.Error("ошибка сохранения задания",
			zap.String("id", job.ID),
			zap.Error(err),
		)
		r.markFailure(err)
		return fmt.Errorf("ошибка при сохранении: %w", err)
	}

	return nil
}

// GetByID загружает задание вместе с результатами стадий.
func (r *ReindexerRepository) GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return nil, fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	db := r.getConnection()
	if db == nil {
		return nil, fmt.Errorf("нет доступного соединения с БД")
	}

	iter := db.WithContext(ctx).Query(jobsNamespace).Where("id", reindexer.EQ, id).Limit(1).Exec()
	defer iter.Close()

	if err := iter.Error(); err != nil {
		r.logger.Error("ошибка выполнения запроса",
			zap.String("id", id),
			zap.Error(err),
		)
		r.markFailure(err)
		return nil, fmt.Errorf("ошибка запроса: %w", err)
	}

	if !iter.Next() {
		return nil, fmt.Errorf("задание %s: %w", id, domain.ErrJobNotFound)
	}

	rec, ok := iter.Object().(*jobRecord)
	if !ok {
		r.logger.Error("ошибка приведения типов",
			zap.String("id", id),
			zap.String("тип", fmt.Sprintf("%T", iter.Object())),
		)
		return nil, fmt.Errorf("внутренняя ошибка десериализации")
	}

	return fromRecord(rec)
}

// Delete удаляет задание. Для отсутствующего задания возвращает ErrJobNotFound.
func (r *ReindexerRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	db := r.getConnection()
	if db == nil {
		return fmt.Errorf("нет доступного соединения с БД")
	}

	deleted, err := db.WithContext(ctx).Query(jobsNamespace).Where("id", reindexer.EQ, id).Delete()
	if err != nil {
		r.logger.Error("ошибка удаления задания",
			zap.String("id", id),
			zap.Error(err),
		)
		r.markFailure(err)
		return fmt.Errorf("ошибка при удалении: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("задание %s: %w", id, domain.ErrJobNotFound)
	}

	return nil
}

// List возвращает сводки заданий, новые сверху. Изображения не загружаются.
func (r *ReindexerRepository) List(ctx context.Context, params domain.PaginationParams) (*domain.PaginatedJobs, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout*2)
	defer cancel()

	if err := r.EnsureCollections(ctx); err != nil {
		return nil, fmt.Errorf("ошибка проверки коллекций: %w", err)
	}

	db := r.getConnection()
	if db == nil {
		return nil, fmt.Errorf("нет доступного соединения с БД")
	}

	iter := db.WithContext(ctx).Query(jobsNamespace).
		Select("id", "title", "template", "sources", "created_at").
		Sort("created_at", true).
		Limit(params.Limit).
		Offset(params.Offset).
		ReqTotal().
		Exec()
	defer iter.Close()

	if err := iter.Error(); err != nil {
		r.markFailure(err)
		return nil, fmt.Errorf("ошибка запроса списка: %w", err)
	}

	items := make([]domain.JobSummary, 0, params.Limit)
	for iter.Next() {
		rec, ok := iter.Object().(*jobRecord)
		if !ok {
			r.logger.Error("ошибка чтения задания из итератора")
			continue
		}
		items = append(items, toSummary(rec))
	}

	total := iter.TotalCount()
	return &domain.PaginatedJobs{
		Items:   items,
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: params.Offset+len(items) < total,
	}, nil
}

// CheckConnection проверяет связь с базой (для health check'ов).
func (r *ReindexerRepository) CheckConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	r.mu.RLock()
	db := r.db
	r.mu.RUnlock()

	if db == nil {
		return fmt.Errorf("соединение не установлено")
	}

	if err := r.ping(ctx, db); err != nil {
		r.markFailure(err)
		return fmt.Errorf("проверка связи не прошла: %w", err)
	}

	r.updateHealthStatus(true, nil, r.Health().Connections)
	return nil
}

// Close закрывает все соединения с базой.
func (r *ReindexerRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeAll()
	r.updateHealthStatus(false, fmt.Errorf("соединение закрыто"), 0)
	return nil
}

var (
	_ domain.JobRepository = (*ReindexerRepository)(nil)
	_ domain.HealthChecker = (*ReindexerRepository)(nil)
)
