// Package classify maps handler failures to a retry decision. Classification
// is total: every error, however opaque, produces a valid result.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"regexp"
	"syscall"
	"time"
)

// Classification is the outcome of classifying one failure.
type Classification struct {
	Retryable bool
	Reason    string
	Delay     time.Duration
}

// JobError is the concrete failure type handlers should return when they can
// say more than a bare message. Code follows errno-style naming; HTTPStatus
// is set when the failure originated from an HTTP response.
type JobError struct {
	Message    string
	Code       string
	HTTPStatus int
	Cause      error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *JobError) Unwrap() error {
	return e.Cause
}

// NewJobError creates a JobError with just a message.
func NewJobError(message string) *JobError {
	return &JobError{Message: message}
}

// WithCode creates a JobError carrying an errno-style code.
func WithCode(code, message string) *JobError {
	return &JobError{Message: message, Code: code}
}

// WithStatus creates a JobError carrying an HTTP status.
func WithStatus(status int, message string) *JobError {
	return &JobError{Message: message, HTTPStatus: status}
}

const (
	defaultCodeDelay    = 5 * time.Second
	timeoutCodeDelay    = 10 * time.Second
	requestTimeoutDelay = 30 * time.Second
	rateLimitDelay      = 60 * time.Second
	serverErrorDelay    = 15 * time.Second
	messageMatchDelay   = 10 * time.Second
)

var nonRetryableCodes = map[string]bool{
	"ENOENT":               true,
	"ENOTDIR":              true,
	"EISDIR":               true,
	"EACCES":               true,
	"EPERM":                true,
	"EINVAL":               true,
	"EEXIST":               true,
	"ENOTFOUND":            true,
	"ECONNREFUSED":         true,
	"ERR_MODULE_NOT_FOUND": true,
}

var retryableCodes = map[string]bool{
	"ETIMEDOUT":    true,
	"ECONNRESET":   true,
	"EHOSTUNREACH": true,
	"ENETUNREACH":  true,
	"EPIPE":        true,
	"EAGAIN":       true,
	"EBUSY":        true,
}

// Non-retryable patterns run before retryable ones so that a message like
// "resource not found after timeout" fails fast instead of looping.
var nonRetryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)invalid.*argument`),
	regexp.MustCompile(`(?i)validation.*failed`),
	regexp.MustCompile(`(?i)not found`),
	regexp.MustCompile(`(?i)does not exist`),
	regexp.MustCompile(`(?i)permission denied`),
	regexp.MustCompile(`(?i)unauthorized`),
	regexp.MustCompile(`(?i)forbidden`),
	regexp.MustCompile(`(?i)bad request`),
	regexp.MustCompile(`(?i)malformed`),
}

var retryablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)timeout`),
	regexp.MustCompile(`(?i)timed out`),
	regexp.MustCompile(`(?i)connection.*reset`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
	regexp.MustCompile(`(?i)service unavailable`),
	regexp.MustCompile(`(?i)internal server error`),
}

// errnoNames covers the codes in the classification tables that map to real
// POSIX errnos. Node-style codes without an errno (ENOTFOUND,
// ERR_MODULE_NOT_FOUND) are only reachable through JobError.Code.
var errnoNames = map[syscall.Errno]string{
	syscall.ENOENT:       "ENOENT",
	syscall.ENOTDIR:      "ENOTDIR",
	syscall.EISDIR:       "EISDIR",
	syscall.EACCES:       "EACCES",
	syscall.EPERM:        "EPERM",
	syscall.EINVAL:       "EINVAL",
	syscall.EEXIST:       "EEXIST",
	syscall.ECONNREFUSED: "ECONNREFUSED",
	syscall.ETIMEDOUT:    "ETIMEDOUT",
	syscall.ECONNRESET:   "ECONNRESET",
	syscall.EHOSTUNREACH: "EHOSTUNREACH",
	syscall.ENETUNREACH:  "ENETUNREACH",
	syscall.EPIPE:        "EPIPE",
	syscall.EAGAIN:       "EAGAIN",
	syscall.EBUSY:        "EBUSY",
}

// Classify decides whether a failure is worth retrying and how long to wait.
// Priority order, first match wins: error code, HTTP status, message pattern,
// then a conservative non-retryable default.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Retryable: false, Reason: "no error"}
	}

	if code := errorCode(err); code != "" {
		if nonRetryableCodes[code] {
			return Classification{
				Retryable: false,
				Reason:    fmt.Sprintf("non-retryable error code %s", code),
			}
		}
		if retryableCodes[code] {
			delay := defaultCodeDelay
			if code == "ETIMEDOUT" {
				delay = timeoutCodeDelay
			}
			return Classification{
				Retryable: true,
				Reason:    fmt.Sprintf("retryable error code %s", code),
				Delay:     delay,
			}
		}
	}

	if status := httpStatus(err); status != 0 {
		switch {
		case status == 408:
			return Classification{Retryable: true, Reason: "HTTP 408 request timeout", Delay: requestTimeoutDelay}
		case status == 429:
			return Classification{Retryable: true, Reason: "HTTP 429 rate limited", Delay: rateLimitDelay}
		case status >= 400 && status < 500:
			return Classification{Retryable: false, Reason: fmt.Sprintf("HTTP %d client error", status)}
		case status >= 500:
			return Classification{Retryable: true, Reason: fmt.Sprintf("HTTP %d server error", status), Delay: serverErrorDelay}
		}
	}

	msg := err.Error()
	for _, p := range nonRetryablePatterns {
		if p.MatchString(msg) {
			return Classification{
				Retryable: false,
				Reason:    fmt.Sprintf("message matched non-retryable pattern %q", p.String()),
			}
		}
	}
	for _, p := range retryablePatterns {
		if p.MatchString(msg) {
			return Classification{
				Retryable: true,
				Reason:    fmt.Sprintf("message matched retryable pattern %q", p.String()),
				Delay:     messageMatchDelay,
			}
		}
	}

	return Classification{Retryable: false, Reason: "unclassified error"}
}

// errorCode resolves an errno-style code by walking the error chain:
// explicit JobError codes first, then OS-level errors.
func errorCode(err error) string {
	var jobErr *JobError
	if errors.As(err, &jobErr) && jobErr.Code != "" {
		return jobErr.Code
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if name, ok := errnoNames[errno]; ok {
			return name
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "ETIMEDOUT"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "ENOENT"
	case errors.Is(err, fs.ErrPermission):
		return "EACCES"
	case errors.Is(err, fs.ErrExist):
		return "EEXIST"
	}

	return ""
}

func httpStatus(err error) int {
	var jobErr *JobError
	if errors.As(err, &jobErr) && jobErr.HTTPStatus != 0 {
		return jobErr.HTTPStatus
	}
	return 0
}
