package mailer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Error codes used by retry policies to classify send failures.
const (
	CodeRateLimited      = "rate_limited"
	CodeTimeout          = "timeout"
	CodeConnectionFailed = "connection_failed"
	CodeTemporaryFailure = "temporary_failure"
	CodeInvalidRecipient = "invalid_recipient"
	CodeRejected         = "rejected"
	CodeAuthFailed       = "auth_failed"
)

// SendError classifies SMTP delivery failures as transient/permanent.
type SendError struct {
	Code      string
	SMTPCode  int
	Message   string
	Permanent bool
	Cause     error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "send error")

	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if e.SMTPCode > 0 {
		parts = append(parts, fmt.Sprintf("smtp=%d", e.SMTPCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ErrorCode extracts the classification code from a send failure so retry
// policies can match it. Unknown errors classify as connection_failed, which
// keeps them in the retryable class.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	return CodeConnectionFailed
}

// IsPermanent reports whether a failure should never be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Permanent
	}
	return false
}

// classifySMTP wraps a raw dialer error with a code derived from the SMTP
// reply when one is present. 4xx replies are transient, 5xx permanent, with
// special cases for throttling and auth.
func classifySMTP(err error) *SendError {
	if err == nil {
		return nil
	}

	msg := err.Error()
	code := smtpReplyCode(msg)

	switch {
	case code == 421 || code == 450 || code == 451 || code == 452:
		return &SendError{Code: CodeTemporaryFailure, SMTPCode: code, Cause: err}
	case code == 454:
		return &SendError{Code: CodeConnectionFailed, SMTPCode: code, Cause: err}
	case code == 535:
		return &SendError{Code: CodeAuthFailed, SMTPCode: code, Permanent: true, Cause: err}
	case code == 550 || code == 551 || code == 553:
		return &SendError{Code: CodeInvalidRecipient, SMTPCode: code, Permanent: true, Cause: err}
	case code >= 500 && code < 600:
		return &SendError{Code: CodeRejected, SMTPCode: code, Permanent: true, Cause: err}
	case code >= 400 && code < 500:
		return &SendError{Code: CodeTemporaryFailure, SMTPCode: code, Cause: err}
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many"):
		return &SendError{Code: CodeRateLimited, Cause: err}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return &SendError{Code: CodeTimeout, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &SendError{Code: CodeTimeout, Cause: err}
		}
		return &SendError{Code: CodeConnectionFailed, Cause: err}
	}

	return &SendError{Code: CodeConnectionFailed, Cause: err}
}

// smtpReplyCode pulls the leading 3-digit reply code out of an SMTP error
// string, or 0 when there is none.
func smtpReplyCode(msg string) int {
	fields := strings.Fields(msg)
	for _, f := range fields {
		if len(f) == 3 {
			if n, err := strconv.Atoi(f); err == nil && n >= 200 && n < 600 {
				return n
			}
		}
	}
	return 0
}
