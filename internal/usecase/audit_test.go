package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
)

type stubRepository struct {
	savedLogs   []*repository.AuditLog
	saveErr     error
	findLog     *repository.AuditLog
	findErr     error
	findCalls   int
	aggregation *repository.Aggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.AuditLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.AuditLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.Aggregation, error) {
	if s.aggregation == nil {
		return nil, errors.New("no aggregation")
	}
	return s.aggregation, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newTestAuditTrail(repo AuditRepository, cache Cache) *AuditTrail {
	trail := NewAuditTrail(repo, cache, zap.NewNop())
	trail.initialBackoff = time.Millisecond
	trail.maxBackoff = 2 * time.Millisecond
	return trail
}

func TestRecordPersistsAndCaches(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	trail := newTestAuditTrail(repo, cache)

	entry := &repository.AuditLog{RequestID: "req-1", Operation: OpVerify, Success: true, Compared: true, IsMatch: true, Similarity: 0.9}
	if err := trail.Record(context.Background(), entry); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] || cache.setKeys[0] != "face-audit:req-1" {
		t.Fatalf("expected one retried cache write, got %v", cache.setKeys)
	}

	var cached repository.AuditLog
	if err := json.Unmarshal([]byte(cache.setValues[1].(string)), &cached); err != nil {
		t.Fatalf("cached value is not json: %v", err)
	}
	if cached.Similarity != 0.9 || cached.Operation != OpVerify {
		t.Fatalf("unexpected cached entry: %+v", cached)
	}
}

func TestRecordReturnsOperationErrorOnSaveFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("boom")}
	cache := &stubCache{}
	trail := newTestAuditTrail(repo, cache)

	err := trail.Record(context.Background(), &repository.AuditLog{RequestID: "req-2"})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "audit.save_log" {
		t.Fatalf("expected save_log OperationError, got %v", err)
	}
	if len(cache.setKeys) != 0 {
		t.Fatal("nothing must be cached when persistence fails")
	}
}

func TestRecordDoesNotRetryPermanentCacheErrors(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("WRONGTYPE")}}
	trail := newTestAuditTrail(&stubRepository{}, cache)

	err := trail.Record(context.Background(), &repository.AuditLog{RequestID: "req-3"})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "cache.set.audit" {
		t.Fatalf("expected cache OperationError, got %v", err)
	}
	if len(cache.setKeys) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(cache.setKeys))
	}
}

func TestGetResultServesFromCache(t *testing.T) {
	payload, _ := json.Marshal(repository.AuditLog{RequestID: "req-4", Operation: OpDetect, Success: true})
	cache := &stubCache{getValues: []string{string(payload)}}
	repo := &stubRepository{}
	trail := newTestAuditTrail(repo, cache)

	log, err := trail.GetResult(context.Background(), "req-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Operation != OpDetect || !log.Success {
		t.Fatalf("unexpected log: %+v", log)
	}
	if repo.findCalls != 0 {
		t.Fatal("repository must not be queried on a cache hit")
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	expected := &repository.AuditLog{RequestID: "req", Operation: OpCompare}
	repo := &stubRepository{findLog: expected}
	trail := newTestAuditTrail(repo, cache)

	log, err := trail.GetResult(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if log != expected {
		t.Fatalf("expected %+v, got %+v", expected, log)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("a cache miss must not be retried, got %d reads", len(cache.getKeys))
	}
}

func TestGetResultFallsBackOnCorruptCacheEntry(t *testing.T) {
	cache := &stubCache{getValues: []string{"{not json"}}
	expected := &repository.AuditLog{RequestID: "req"}
	trail := newTestAuditTrail(&stubRepository{findLog: expected}, cache)

	log, err := trail.GetResult(context.Background(), "req")
	if err != nil || log != expected {
		t.Fatalf("expected repository fallback, got %+v (%v)", log, err)
	}
}

func TestGetResultNotFound(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	trail := newTestAuditTrail(&stubRepository{}, cache)

	if _, err := trail.GetResult(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.Aggregation{
		TotalCount:        10,
		SuccessCount:      8,
		ComparedCount:     4,
		MatchCount:        3,
		AverageSimilarity: 0.7,
		AverageLatencyMs:  120,
	}}
	trail := newTestAuditTrail(repo, &stubCache{})

	summary, err := trail.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SuccessRate != 0.8 || summary.MatchRate != 0.75 || summary.Comparisons != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	empty := newTestAuditTrail(&stubRepository{aggregation: &repository.Aggregation{}}, &stubCache{})
	summary, err = empty.GetMetricsSummary(context.Background())
	if err != nil || summary.SuccessRate != 0 || summary.MatchRate != 0 {
		t.Fatalf("expected zero rates on empty table, got %+v (%v)", summary, err)
	}
}
