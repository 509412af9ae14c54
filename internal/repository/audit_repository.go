package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-verify/internal/logging"
)

// ErrNotFound is returned when no audit record matches a lookup.
var ErrNotFound = errors.New("audit record not found")

// AuditLog is the persisted outcome of one face operation. It never carries
// images or embeddings.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	Operation  string    `gorm:"column:operation;size:16;index" json:"operation"`
	Success    bool      `gorm:"column:success" json:"success"`
	ErrorCode  string    `gorm:"column:error_code;size:32" json:"error_code,omitempty"`
	Compared   bool      `gorm:"column:compared" json:"compared"`
	IsMatch    bool      `gorm:"column:is_match" json:"is_match"`
	Similarity float64   `gorm:"column:similarity" json:"similarity"`
	Confidence float64   `gorm:"column:confidence" json:"confidence"`
	LatencyMs  float64   `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (AuditLog) TableName() string {
	return "face_audit_logs"
}

// Aggregation is the raw roll-up of the audit table.
type Aggregation struct {
	TotalCount        int64
	SuccessCount      int64
	ComparedCount     int64
	MatchCount        int64
	AverageSimilarity float64
	AverageLatencyMs  float64
}

// AuditRepository provides persistence APIs for audit logs.
type AuditRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAuditRepository creates a new repository instance.
func NewAuditRepository(db *gorm.DB, logger *zap.Logger) *AuditRepository {
	return &AuditRepository{
		db:             db,
		logger:         logger.Named("audit_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AuditRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&AuditLog{})
	})
}

// SaveLog persists an audit entry.
func (r *AuditRepository) SaveLog(ctx context.Context, log *AuditLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the audit entry for a request.
func (r *AuditRepository) FindByRequestID(ctx context.Context, requestID string) (*AuditLog, error) {
	var log AuditLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics rolls up every audit entry.
func (r *AuditRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var agg Aggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&AuditLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(SUM(CASE WHEN compared THEN 1 ELSE 0 END), 0) AS compared_count, " +
				"COALESCE(SUM(CASE WHEN compared AND is_match THEN 1 ELSE 0 END), 0) AS match_count, " +
				"COALESCE(AVG(CASE WHEN compared THEN similarity END), 0) AS average_similarity, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *AuditRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports whether err is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
