package alerter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error categories.
const (
	CategoryValidation     = "VALIDATION"
	CategoryNetwork        = "NETWORK"
	CategoryCircuitBreaker = "CIRCUIT_BREAKER"
	CategoryInternal       = "INTERNAL"
	CategoryAuth           = "AUTH"
	CategoryRateLimit      = "RATE_LIMIT"
	CategoryRelational     = "RELATIONAL"
	CategoryCache          = "CACHE"
	CategoryQueue          = "QUEUE"
	CategoryExternalAPI    = "EXTERNAL_API"
	CategoryTimeout        = "TIMEOUT"
)

// Categories lists every valid category.
var Categories = []string{
	CategoryValidation, CategoryNetwork, CategoryCircuitBreaker,
	CategoryInternal, CategoryAuth, CategoryRateLimit, CategoryRelational,
	CategoryCache, CategoryQueue, CategoryExternalAPI, CategoryTimeout,
}

// coder is the error shape an extractable code rides on.
type coder interface {
	Code() string
}

var httpStatusRe = regexp.MustCompile(`\bstatus(?: code)?[ :=]+(\d{3})\b`)

// Classify maps an error to its category and extracts an error code when
// one is present (a Postgres SQLSTATE, an HTTP status, or anything
// implementing Code()). Inspection is by type first, message second.
func Classify(err error) (category, code string) {
	if err == nil {
		return CategoryInternal, ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return CategoryRelational, pgErr.Code
	}

	var c coder
	if errors.As(err, &c) {
		code = c.Code()
	}
	if code == "" {
		if m := httpStatusRe.FindStringSubmatch(err.Error()); m != nil {
			code = m[1]
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, code
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout, code
		}
		return CategoryNetwork, code
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit breaker") || strings.Contains(msg, "feature disabled"):
		return CategoryCircuitBreaker, code
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return CategoryTimeout, code
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "authentication"):
		return CategoryAuth, code
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") || code == "429":
		return CategoryRateLimit, code
	case strings.Contains(msg, "redis") || strings.Contains(msg, "cache"):
		return CategoryCache, code
	case strings.Contains(msg, "queue") || strings.Contains(msg, "stream") || strings.Contains(msg, "deadletter"):
		return CategoryQueue, code
	case strings.Contains(msg, "postgres") || strings.Contains(msg, "sql") || strings.Contains(msg, "relation "):
		return CategoryRelational, code
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation") || strings.Contains(msg, "malformed"):
		return CategoryValidation, code
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "broken pipe"):
		return CategoryNetwork, code
	case strings.Contains(msg, "upstream") || strings.Contains(msg, "external api") || (code != "" && code[0] == '5'):
		return CategoryExternalAPI, code
	default:
		return CategoryInternal, code
	}
}

// NormalizeCategory returns category if it is a known taxonomy member,
// INTERNAL otherwise. Applied to application-reported categories off the
// telemetry message so an unrecognized value can't invent a new bucket.
func NormalizeCategory(category string) string {
	upper := strings.ToUpper(category)
	for _, c := range Categories {
		if c == upper {
			return c
		}
	}
	return CategoryInternal
}

// Fingerprint returns the deterministic identifier for an error class,
// used for dedup across a window: sha256 over
// category|code|name|first-stack-line, hex-encoded and truncated.
func Fingerprint(category, code, name, stackHead string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", category, code, name, stackHead)))
	return hex.EncodeToString(sum[:])[:16]
}
