package usecase

import (
	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/similarity"
)

// ErrorCode is the closed set of failure codes an operation can report.
type ErrorCode string

const (
	CodeMissingImage     ErrorCode = "MISSING_IMAGE"
	CodeMissingData      ErrorCode = "MISSING_DATA"
	CodeMissingEmbedding ErrorCode = "MISSING_EMBEDDING"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeNoFaceFound      ErrorCode = ErrorCode(embedding.CodeNoFaceFound)
	CodeMultipleFaces    ErrorCode = ErrorCode(embedding.CodeMultipleFaces)
	CodeProcessingError  ErrorCode = ErrorCode(embedding.CodeProcessingError)
	CodeComparisonError  ErrorCode = "COMPARISON_ERROR"
	CodeServerError      ErrorCode = "SERVER_ERROR"
)

// Operation names, also used as audit labels.
const (
	OpDetect   = "detect"
	OpCompare  = "compare"
	OpRegister = "register"
	OpVerify   = "verify"
)

const (
	msgMissingImage     = "image is required"
	msgMissingData      = "request data is required"
	msgMissingEmbedding = "stored_embedding is required"
	msgInvalidInput     = "provide two images, an embedding with an image, or two embeddings"
	msgRegistered       = "face registered successfully"
)

// DetectRequest is the input of Detect.
type DetectRequest struct {
	Image *string `json:"image"`
}

// RegisterRequest is the input of Register. UserID is echoed verbatim.
type RegisterRequest struct {
	Image  *string `json:"image"`
	UserID any     `json:"user_id"`
}

// CompareRequest carries one of three shapes, chosen by which fields are
// present: Image1+Image2, Embedding+Image, or Embedding1+Embedding2.
type CompareRequest struct {
	Image1     *string   `json:"image1"`
	Image2     *string   `json:"image2"`
	Image      *string   `json:"image"`
	Embedding  []float64 `json:"embedding"`
	Embedding1 []float64 `json:"embedding1"`
	Embedding2 []float64 `json:"embedding2"`
}

// VerifyRequest is the input of Verify.
type VerifyRequest struct {
	Image           *string   `json:"image"`
	StoredEmbedding []float64 `json:"stored_embedding"`
}

// DetectPayload is the success body of Detect.
type DetectPayload struct {
	Success       bool                   `json:"success"`
	RequestID     string                 `json:"request_id"`
	Embedding     []float64              `json:"embedding"`
	EmbeddingSize int                    `json:"embedding_size"`
	FaceLocation  embedding.FaceLocation `json:"face_location"`
}

// RegisterPayload is the success body of Register.
type RegisterPayload struct {
	Success       bool                   `json:"success"`
	RequestID     string                 `json:"request_id"`
	Message       string                 `json:"message"`
	Embedding     []float64              `json:"embedding"`
	EmbeddingSize int                    `json:"embedding_size"`
	FaceLocation  embedding.FaceLocation `json:"face_location"`
	UserID        any                    `json:"user_id,omitempty"`
}

// ComparePayload is the success body of Compare.
type ComparePayload struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	similarity.Result
}

// VerifyPayload is the success body of Verify. NewEmbedding lets callers
// refresh their stored embedding after a successful verification.
type VerifyPayload struct {
	Success      bool      `json:"success"`
	RequestID    string    `json:"request_id"`
	Verified     bool      `json:"verified"`
	Confidence   float64   `json:"confidence"`
	Distance     float64   `json:"distance"`
	Similarity   float64   `json:"similarity"`
	Threshold    float64   `json:"threshold"`
	NewEmbedding []float64 `json:"new_embedding"`
}

// Failure is the body of every failed operation.
type Failure struct {
	Success   bool      `json:"success"`
	RequestID string    `json:"request_id"`
	Error     string    `json:"error"`
	ErrorCode ErrorCode `json:"error_code"`
}

// OperationResult is the single outcome of an operation: exactly one of
// Payload and Failure is set.
type OperationResult struct {
	RequestID string
	Operation string
	Payload   any
	Failure   *Failure
	// Comparison is set when the operation reached the similarity engine.
	Comparison *similarity.Result
}

// OK reports whether the operation succeeded.
func (r *OperationResult) OK() bool {
	return r.Failure == nil
}

// Body is the transport document for the result.
func (r *OperationResult) Body() any {
	if r.Failure != nil {
		return r.Failure
	}
	return r.Payload
}
