package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/usecase"
)

// DefaultMaxImageSize bounds a single decoded image when no limit is
// configured.
const DefaultMaxImageSize = 10 << 20

// bodyOverhead covers field names, data URI prefixes and embedding arrays on
// top of the base64 image payloads.
const bodyOverhead = 64 << 10

// codePayloadTooLarge is reported by the transport before any operation runs.
const codePayloadTooLarge = "PAYLOAD_TOO_LARGE"

// Operations is the verification surface served over HTTP.
type Operations interface {
	Detect(ctx context.Context, req *usecase.DetectRequest) *usecase.OperationResult
	Compare(ctx context.Context, req *usecase.CompareRequest) *usecase.OperationResult
	Register(ctx context.Context, req *usecase.RegisterRequest) *usecase.OperationResult
	Verify(ctx context.Context, req *usecase.VerifyRequest) *usecase.OperationResult
	Reject(ctx context.Context, operation string, cause error) *usecase.OperationResult
}

// AuditReader serves the operator endpoints.
type AuditReader interface {
	GetResult(ctx context.Context, requestID string) (*repository.AuditLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// ServiceInfo is reported by the health endpoint.
type ServiceInfo struct {
	Name    string
	Version string
	Model   string
	// ProviderReady reports whether the embedding provider has been
	// initialized. Nil omits the field.
	ProviderReady func() bool
}

// Options configures RegisterRoutes.
type Options struct {
	Service ServiceInfo
	// MaxImageBytes is the largest decoded image accepted. Request bodies are
	// capped at its base64 size per image plus bodyOverhead.
	MaxImageBytes int64
	// Audit enables the operator routes when non-nil.
	Audit AuditReader
	// OperatorAuth, when non-nil, guards the operator routes.
	OperatorAuth gin.HandlerFunc
	Logger       *zap.Logger
}

// BodyLimit is the request body ceiling for a route carrying that many image payloads
// of at most maxImage bytes each.
func BodyLimit(maxImage int64, images int) int64 {
	return int64(images)*int64(base64.StdEncoding.EncodedLen(int(maxImage))) + bodyOverhead
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, ops Operations, opts Options) {
	maxImage := opts.MaxImageBytes
	if maxImage <= 0 {
		maxImage = DefaultMaxImageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/health", func(c *gin.Context) {
		body := gin.H{
			"status":  "healthy",
			"service": opts.Service.Name,
			"version": opts.Service.Version,
			"model":   opts.Service.Model,
		}
		if opts.Service.ProviderReady != nil {
			body["provider_ready"] = opts.Service.ProviderReady()
		}
		c.JSON(http.StatusOK, body)
	})

	single, pair := BodyLimit(maxImage, 1), BodyLimit(maxImage, 2)
	face := router.Group("/api/face")
	face.POST("/detect", operation(ops, usecase.OpDetect, single, ops.Detect))
	face.POST("/compare", operation(ops, usecase.OpCompare, pair, ops.Compare))
	face.POST("/register", operation(ops, usecase.OpRegister, single, ops.Register))
	face.POST("/verify", operation(ops, usecase.OpVerify, single, ops.Verify))

	if opts.Audit != nil {
		registerOperatorRoutes(router, opts.Audit, opts.OperatorAuth, logger.Named("operator"))
	}
}

// operation binds the JSON body into a fresh T and runs it. A missing body
// reaches run as nil; one that cannot be decoded into T is rejected through
// the use case so it still gets a request id and an audit entry.
func operation[T any](ops Operations, name string, maxBody int64, run func(context.Context, *T) *usecase.OperationResult) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req T
		present, err := bindJSON(c, maxBody, &req)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"success":    false,
				"error":      fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				"error_code": codePayloadTooLarge,
			})
		case err != nil:
			respond(c, ops.Reject(c.Request.Context(), name, err))
		case !present:
			respond(c, run(c.Request.Context(), nil))
		default:
			respond(c, run(c.Request.Context(), &req))
		}
	}
}

func registerOperatorRoutes(router *gin.Engine, audit AuditReader, guard gin.HandlerFunc, logger *zap.Logger) {
	operator := router.Group("/api")
	if guard != nil {
		operator.Use(guard)
	}

	operator.GET("/audit/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if op, ok := auth.OperatorFrom(c.Request.Context()); ok {
			logger.Info("audit record requested", zap.String("operator", op.Subject), zap.String("request_id", requestID))
		}
		log, err := audit.GetResult(c.Request.Context(), requestID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "audit record not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to load audit record"})
			return
		}
		c.JSON(http.StatusOK, log)
	})

	operator.GET("/metrics", func(c *gin.Context) {
		summary, err := audit.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// bindJSON decodes the body into dst. present is false for an empty body, an
// empty object or any JSON value that is not an object, since none of them
// carries a field. Invalid JSON and fields of the wrong type are errors.
func bindJSON(c *gin.Context, maxBody int64, dst any) (present bool, err error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBody))
	if err != nil {
		return false, err
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return false, nil
	}
	if !json.Valid(body) {
		return false, errors.New("request body is not valid JSON")
	}
	if body[0] != '{' {
		return false, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("malformed request field: %w", err)
	}
	return true, nil
}

func respond(c *gin.Context, result *usecase.OperationResult) {
	status := http.StatusOK
	if !result.OK() {
		status = http.StatusBadRequest
		if result.Failure.ErrorCode == usecase.CodeServerError {
			status = http.StatusInternalServerError
		}
	}
	c.JSON(status, result.Body())
}
