package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
)

type FailureClass string

const (
	ClassTimeout     FailureClass = "timeout"
	ClassRateLimit   FailureClass = "rate_limit"
	ClassServer      FailureClass = "server"
	ClassClient      FailureClass = "client"
	ClassCircuitOpen FailureClass = "circuit_open"
)

// ServiceError is a failed call to the text-generation service, after any
// retries the caller was allowed.
type ServiceError struct {
	Class    FailureClass
	Attempts int
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("text generation failed (%s, %d attempts): %v", e.Class, e.Attempts, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (c FailureClass) Retryable() bool {
	return c == ClassTimeout || c == ClassRateLimit || c == ClassServer
}

var statusCodeRe = regexp.MustCompile(`status(?:\s+code)?[:=\s]+(\d{3})`)

func classifyTransportError(err error) FailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode)
	}
	msg := strings.ToLower(err.Error())
	if m := statusCodeRe.FindStringSubmatch(msg); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return classifyStatus(code)
	}
	switch {
	case strings.Contains(msg, "rate limit"):
		return ClassRateLimit
	case strings.Contains(msg, "server error"), strings.Contains(msg, "overloaded"):
		return ClassServer
	default:
		return ClassServer
	}
}

func classifyStatus(code int) FailureClass {
	switch {
	case code == 429:
		return ClassRateLimit
	case code == 408:
		return ClassTimeout
	case code >= 500:
		return ClassServer
	case code >= 400:
		return ClassClient
	default:
		return ClassServer
	}
}

func backoffDelay(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 1 * time.Second
	case 2:
		return 2 * time.Second
	default:
		return 4 * time.Second
	}
}
