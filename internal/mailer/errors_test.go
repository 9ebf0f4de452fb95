package mailer

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifySMTP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		wantCode      string
		wantPermanent bool
	}{
		{
			name:     "421 service unavailable is transient",
			err:      errors.New("421 4.7.0 service not available, try later"),
			wantCode: CodeTemporaryFailure,
		},
		{
			name:     "451 local error is transient",
			err:      errors.New("451 4.3.0 local error in processing"),
			wantCode: CodeTemporaryFailure,
		},
		{
			name:          "550 mailbox unavailable is permanent",
			err:           errors.New("550 5.1.1 user unknown"),
			wantCode:      CodeInvalidRecipient,
			wantPermanent: true,
		},
		{
			name:          "535 auth failure is permanent",
			err:           errors.New("535 5.7.8 authentication credentials invalid"),
			wantCode:      CodeAuthFailed,
			wantPermanent: true,
		},
		{
			name:          "554 rejection is permanent",
			err:           errors.New("554 5.7.1 relay access denied"),
			wantCode:      CodeRejected,
			wantPermanent: true,
		},
		{
			name:     "rate limit message without a reply code",
			err:      errors.New("server said: too many messages per hour"),
			wantCode: CodeRateLimited,
		},
		{
			name:     "timeout message without a reply code",
			err:      errors.New("dial tcp: i/o timeout waiting for connection"),
			wantCode: CodeTimeout,
		},
		{
			name:     "anything else is connection_failed",
			err:      errors.New("connection reset by peer"),
			wantCode: CodeConnectionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sendErr := classifySMTP(tt.err)
			if sendErr.Code != tt.wantCode {
				t.Errorf("expected code %q, got %q", tt.wantCode, sendErr.Code)
			}
			if sendErr.Permanent != tt.wantPermanent {
				t.Errorf("expected permanent=%v, got %v", tt.wantPermanent, sendErr.Permanent)
			}
			if !errors.Is(sendErr, tt.err) {
				t.Error("classified error must wrap the cause")
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("delivery failed: %w", &SendError{Code: CodeRateLimited})
	if got := ErrorCode(wrapped); got != CodeRateLimited {
		t.Errorf("expected rate_limited through wrapping, got %q", got)
	}

	if got := ErrorCode(context.DeadlineExceeded); got != CodeTimeout {
		t.Errorf("expected timeout for deadline, got %q", got)
	}

	if got := ErrorCode(errors.New("boom")); got != CodeConnectionFailed {
		t.Errorf("unknown errors stay retryable, got %q", got)
	}

	if got := ErrorCode(nil); got != "" {
		t.Errorf("expected empty code for nil, got %q", got)
	}
}

func TestIsPermanent(t *testing.T) {
	t.Parallel()

	if !IsPermanent(&SendError{Code: CodeInvalidRecipient, Permanent: true}) {
		t.Error("permanent send error must report permanent")
	}
	if IsPermanent(&SendError{Code: CodeTimeout}) {
		t.Error("transient send error must not report permanent")
	}
	if !IsPermanent(context.Canceled) {
		t.Error("cancellation is not worth retrying")
	}
	if IsPermanent(nil) {
		t.Error("nil is not permanent")
	}
}

func TestSendErrorMessage(t *testing.T) {
	t.Parallel()

	err := &SendError{Code: CodeRejected, SMTPCode: 554, Message: "relay denied", Cause: errors.New("smtp fail")}
	want := "send error: rejected: smtp=554: relay denied: smtp fail"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
