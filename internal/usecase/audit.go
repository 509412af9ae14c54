package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
)

const auditCacheTTL = 5 * time.Minute

// AuditRepository defines the persistence operations needed by the audit trail.
type AuditRepository interface {
	SaveLog(ctx context.Context, log *repository.AuditLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AuditLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// AuditTrail persists operation outcomes and serves lookups of recent ones
// from Redis. The verification flows only ever write to it.
type AuditTrail struct {
	repo           AuditRepository
	cache          Cache
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAuditTrail wires the repository and cache.
func NewAuditTrail(repo AuditRepository, cache Cache, logger *zap.Logger) *AuditTrail {
	return &AuditTrail{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("audit_trail"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func auditCacheKey(requestID string) string {
	return "face-audit:" + requestID
}

// Record implements Recorder.
func (a *AuditTrail) Record(ctx context.Context, log *repository.AuditLog) error {
	if err := a.repo.SaveLog(ctx, log); err != nil {
		return logging.NewOperationError("audit.save_log", log.RequestID, err)
	}

	serialized, err := json.Marshal(log)
	if err != nil {
		return logging.NewOperationError("audit.serialize", log.RequestID, err)
	}
	return a.withRedisRetry(ctx, log.RequestID, "cache.set.audit", func() error {
		return a.cache.Set(ctx, auditCacheKey(log.RequestID), string(serialized), auditCacheTTL)
	})
}

// GetResult retrieves a cached audit entry or loads it from persistence.
func (a *AuditTrail) GetResult(ctx context.Context, requestID string) (*repository.AuditLog, error) {
	opLogger := logging.WithOperation(a.logger, "audit.get_result", requestID)

	var cached string
	err := a.withRedisRetry(ctx, requestID, "cache.get.audit", func() error {
		value, err := a.cache.Get(ctx, auditCacheKey(requestID))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err == nil:
		var log repository.AuditLog
		decodeErr := json.Unmarshal([]byte(cached), &log)
		if decodeErr == nil {
			return &log, nil
		}
		opLogger.Warn("failed to decode cached audit entry", zap.Error(decodeErr))
	case !errors.Is(err, redis.Nil):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return a.repo.FindByRequestID(ctx, requestID)
}

func (a *AuditTrail) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if a.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := a.initialBackoff
	opLogger := logging.WithOperation(a.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < a.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= a.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) || !repository.IsTransientError(err) || attempt == a.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
