package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/imagecodec"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/similarity"
)

// AuditTimeout bounds the audit write that follows every operation.
const AuditTimeout = 500 * time.Millisecond

// Recorder receives the audit entry of every finished operation.
type Recorder interface {
	Record(ctx context.Context, log *repository.AuditLog) error
}

// VerificationUseCase runs the detect, compare, register and verify flows.
// It holds no per-request state and is safe for concurrent use.
type VerificationUseCase struct {
	provider  embedding.Provider
	threshold float64
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	auditTimeout time.Duration
}

// NewVerificationUseCase constructs a new use case instance. recorder may be
// nil to disable the audit trail.
func NewVerificationUseCase(provider embedding.Provider, threshold float64, recorder Recorder, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		provider:  provider,
		threshold: threshold,
		recorder:  recorder,
		logger:    logger.Named("verification_usecase"),
		now:       time.Now,
		newID:     uuid.NewString,

		auditTimeout: AuditTimeout,
	}
}

// Threshold is the configured similarity cutoff.
func (uc *VerificationUseCase) Threshold() float64 {
	return uc.threshold
}

// Detect extracts the embedding of the single face in an image.
func (uc *VerificationUseCase) Detect(ctx context.Context, req *DetectRequest) *OperationResult {
	return uc.run(ctx, OpDetect, func(op *operation) *OperationResult {
		if req == nil || req.Image == nil {
			return op.fail(CodeMissingImage, msgMissingImage)
		}
		face, failed := op.extract(*req.Image)
		if failed != nil {
			return failed
		}
		return op.succeed(&DetectPayload{
			Success:       true,
			RequestID:     op.requestID,
			Embedding:     face.Embedding,
			EmbeddingSize: len(face.Embedding),
			FaceLocation:  face.Location,
		})
	})
}

// Register is Detect shaped as a registration confirmation. Nothing is
// stored; keeping the embedding is the caller's responsibility.
func (uc *VerificationUseCase) Register(ctx context.Context, req *RegisterRequest) *OperationResult {
	return uc.run(ctx, OpRegister, func(op *operation) *OperationResult {
		if req == nil || req.Image == nil {
			return op.fail(CodeMissingImage, msgMissingImage)
		}
		face, failed := op.extract(*req.Image)
		if failed != nil {
			return failed
		}
		return op.succeed(&RegisterPayload{
			Success:       true,
			RequestID:     op.requestID,
			Message:       msgRegistered,
			Embedding:     face.Embedding,
			EmbeddingSize: len(face.Embedding),
			FaceLocation:  face.Location,
			UserID:        req.UserID,
		})
	})
}

// Compare resolves two embeddings from whichever input shape req carries and
// scores them.
func (uc *VerificationUseCase) Compare(ctx context.Context, req *CompareRequest) *OperationResult {
	return uc.run(ctx, OpCompare, func(op *operation) *OperationResult {
		if req == nil {
			return op.fail(CodeMissingData, msgMissingData)
		}

		var first, second []float64
		switch {
		case req.Image1 != nil && req.Image2 != nil:
			img1, failed := op.decode(*req.Image1)
			if failed != nil {
				return failed
			}
			img2, failed := op.decode(*req.Image2)
			if failed != nil {
				return failed
			}
			face1, failed := op.extractImage(img1)
			if failed != nil {
				return op.prefixed("first image", failed)
			}
			face2, failed := op.extractImage(img2)
			if failed != nil {
				return op.prefixed("second image", failed)
			}
			first, second = face1.Embedding, face2.Embedding

		case req.Embedding != nil && req.Image != nil:
			face, failed := op.extract(*req.Image)
			if failed != nil {
				return failed
			}
			first, second = req.Embedding, face.Embedding

		case req.Embedding1 != nil && req.Embedding2 != nil:
			first, second = req.Embedding1, req.Embedding2

		default:
			return op.fail(CodeInvalidInput, msgInvalidInput)
		}

		result, err := similarity.Compare(first, second, uc.threshold)
		if err != nil {
			op.logger.Warn("embeddings could not be compared", zap.Error(err))
			return op.fail(CodeComparisonError, "comparison failed: "+err.Error())
		}
		op.comparison = &result
		return op.succeed(&ComparePayload{Success: true, RequestID: op.requestID, Result: result})
	})
}

// Verify checks a fresh image against a stored embedding.
func (uc *VerificationUseCase) Verify(ctx context.Context, req *VerifyRequest) *OperationResult {
	return uc.run(ctx, OpVerify, func(op *operation) *OperationResult {
		if req == nil {
			return op.fail(CodeMissingData, msgMissingData)
		}
		if req.Image == nil {
			return op.fail(CodeMissingImage, msgMissingImage)
		}
		if req.StoredEmbedding == nil {
			return op.fail(CodeMissingEmbedding, msgMissingEmbedding)
		}

		face, failed := op.extract(*req.Image)
		if failed != nil {
			return failed
		}

		result, err := similarity.Compare(req.StoredEmbedding, face.Embedding, uc.threshold)
		if err != nil {
			return op.serverError(logging.NewOperationError("usecase.verify.compare", op.requestID, err))
		}
		op.comparison = &result
		return op.succeed(&VerifyPayload{
			Success:      true,
			RequestID:    op.requestID,
			Verified:     result.IsMatch,
			Confidence:   result.Confidence,
			Distance:     result.Distance,
			Similarity:   result.Similarity,
			Threshold:    result.Threshold,
			NewEmbedding: face.Embedding,
		})
	})
}

// Reject reports a request whose body could not be read into the input of
// the named operation. The fault is unanticipated, so it is a SERVER_ERROR.
func (uc *VerificationUseCase) Reject(ctx context.Context, name string, cause error) *OperationResult {
	return uc.run(ctx, name, func(op *operation) *OperationResult {
		return op.serverError(logging.NewOperationError("usecase."+name+".bind_request", op.requestID, cause))
	})
}

// operation is the per-call scope handed to each flow.
type operation struct {
	ctx        context.Context
	uc         *VerificationUseCase
	name       string
	requestID  string
	logger     *zap.Logger
	comparison *similarity.Result
}

func (uc *VerificationUseCase) run(ctx context.Context, name string, flow func(op *operation) *OperationResult) (result *OperationResult) {
	requestID := uc.newID()
	op := &operation{
		ctx:       ctx,
		uc:        uc,
		name:      name,
		requestID: requestID,
		logger:    logging.WithOperation(uc.logger, "usecase."+name, requestID),
	}
	started := uc.now()

	defer func() {
		if recovered := recover(); recovered != nil {
			result = op.serverError(logging.RecoveredError("usecase."+name, requestID, recovered))
		}
		uc.audit(op, result, uc.now().Sub(started))
	}()

	return flow(op)
}

func (uc *VerificationUseCase) audit(op *operation, result *OperationResult, latency time.Duration) {
	fields := []zap.Field{zap.Bool("success", result.OK()), zap.Duration("latency", latency)}
	if !result.OK() {
		fields = append(fields, zap.String("error_code", string(result.Failure.ErrorCode)))
	}
	op.logger.Info("operation finished", fields...)

	if uc.recorder == nil {
		return
	}
	entry := &repository.AuditLog{
		RequestID: op.requestID,
		Operation: op.name,
		Success:   result.OK(),
		LatencyMs: float64(latency) / float64(time.Millisecond),
		CreatedAt: uc.now().UTC(),
	}
	if !result.OK() {
		entry.ErrorCode = string(result.Failure.ErrorCode)
	}
	if c := result.Comparison; c != nil {
		entry.Compared = true
		entry.IsMatch = c.IsMatch
		entry.Similarity = c.Similarity
		entry.Confidence = c.Confidence
	}
	// Audit failures never change the operation outcome. The write outlives a
	// cancelled request but never holds the response for long.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(op.ctx), uc.auditTimeout)
	defer cancel()
	if err := uc.recorder.Record(ctx, entry); err != nil {
		op.logger.Warn("failed to record audit entry", zap.Error(err))
	}
}

func (op *operation) succeed(payload any) *OperationResult {
	return &OperationResult{RequestID: op.requestID, Operation: op.name, Payload: payload, Comparison: op.comparison}
}

func (op *operation) fail(code ErrorCode, message string) *OperationResult {
	return &OperationResult{
		RequestID: op.requestID,
		Operation: op.name,
		Failure:   &Failure{RequestID: op.requestID, Error: message, ErrorCode: code},
	}
}

func (op *operation) serverError(err error) *OperationResult {
	op.logger.Error("operation failed unexpectedly", zap.Error(err))
	return op.fail(CodeServerError, "server error: "+logging.Cause(err).Error())
}

func (op *operation) prefixed(which string, failed *OperationResult) *OperationResult {
	failed.Failure.Error = fmt.Sprintf("%s: %s", which, failed.Failure.Error)
	return failed
}

func (op *operation) decode(payload string) (*imagecodec.Image, *OperationResult) {
	img, err := imagecodec.Decode(payload)
	if err != nil {
		return nil, op.serverError(logging.NewOperationError("usecase.decode_image", op.requestID, err))
	}
	return img, nil
}

func (op *operation) extract(payload string) (*embedding.Face, *OperationResult) {
	img, failed := op.decode(payload)
	if failed != nil {
		return nil, failed
	}
	return op.extractImage(img)
}

// extractImage calls the provider exactly once; failures are final for the
// image.
func (op *operation) extractImage(img *imagecodec.Image) (*embedding.Face, *OperationResult) {
	face, err := op.uc.provider.Extract(op.ctx, img)
	if err != nil {
		var extErr *embedding.ExtractionError
		if errors.As(err, &extErr) {
			op.logger.Info("face extraction rejected", zap.String("error_code", string(extErr.Code)))
			return nil, op.fail(ErrorCode(extErr.Code), extErr.Message)
		}
		return nil, op.serverError(logging.NewOperationError("usecase.extract_embedding", op.requestID, err))
	}
	if face == nil {
		return nil, op.serverError(logging.NewOperationError("usecase.extract_embedding", op.requestID, errors.New("provider returned no face")))
	}
	return face, nil
}
