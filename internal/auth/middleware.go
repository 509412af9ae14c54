package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorScope must be listed in a token's scope claim to reach the audit
// and metrics endpoints.
const OperatorScope = "face:operator"

var (
	errNoCredentials = errors.New("authorization header required")
	errBadScheme     = errors.New("bearer token required")
	errNoSubject     = errors.New("token has no subject")
)

// Claims are the JWT claims accepted from operators. Scope is a space
// separated list.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Operator is the authenticated caller of an operator endpoint.
type Operator struct {
	Subject string
	Scopes  []string
}

// HasScope reports whether the operator's token granted scope.
func (o *Operator) HasScope(scope string) bool {
	return slices.Contains(o.Scopes, scope)
}

type operatorKey struct{}

// WithOperator returns ctx carrying op.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFrom returns the operator authenticated for ctx, if any.
func OperatorFrom(ctx context.Context) (*Operator, bool) {
	if ctx == nil {
		return nil, false
	}
	op, ok := ctx.Value(operatorKey{}).(*Operator)
	return op, ok && op != nil
}

// Options configures OperatorMiddleware.
type Options struct {
	// Secret is the HMAC key. An empty secret denies every request.
	Secret string
	// Audience, when set, must be present in the token's aud claim.
	Audience string
	// Scope defaults to OperatorScope.
	Scope string
	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration
}

// OperatorMiddleware authenticates HMAC-signed bearer tokens and stores the
// resulting Operator on the request context. Tokens must carry a subject, an
// expiry and the required scope.
func OperatorMiddleware(opts Options) gin.HandlerFunc {
	secret := []byte(strings.TrimSpace(opts.Secret))
	scope := opts.Scope
	if scope == "" {
		scope = OperatorScope
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if audience := strings.TrimSpace(opts.Audience); audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(audience))
	}
	parser := jwt.NewParser(parserOpts...)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			deny(c, http.StatusUnauthorized, "operator authentication is not configured")
			return
		}

		op, err := authenticate(parser, secret, c.GetHeader("Authorization"))
		if err != nil {
			deny(c, http.StatusUnauthorized, err.Error())
			return
		}
		if !op.HasScope(scope) {
			deny(c, http.StatusForbidden, fmt.Sprintf("token lacks the %s scope", scope))
			return
		}

		c.Request = c.Request.WithContext(WithOperator(c.Request.Context(), op))
		c.Next()
	}
}

func authenticate(parser *jwt.Parser, secret []byte, header string) (*Operator, error) {
	if header == "" {
		return nil, errNoCredentials
	}
	scheme, raw, found := strings.Cut(header, " ")
	raw = strings.TrimSpace(raw)
	if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return nil, errBadScheme
	}

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errNoSubject
	}
	return &Operator{Subject: claims.Subject, Scopes: strings.Fields(claims.Scope)}, nil
}

func deny(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": message})
}
