package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("rate limited"), 429)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsTransient(err) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504, 529}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}

	permanent := []int{200, 201, 400, 401, 403, 404, 405, 409, 422}
	for _, code := range permanent {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}

	if te.StatusCode != 500 {
		t.Errorf("expected StatusCode 500, got %d", te.StatusCode)
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")
	te := NewTransientError(inner, 503)

	if te.Error() != "something went wrong" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}

func TestIsTransient_DNSNotFound(t *testing.T) {
	err := fmt.Errorf("lookup mx: %w", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true})
	if IsTransient(err) {
		t.Error("NXDOMAIN should not be transient")
	}
}

func TestIsTransient_DNSTemporary(t *testing.T) {
	err := &net.DNSError{Err: "server misbehaving", IsTemporary: true}
	if !IsTransient(err) {
		t.Error("temporary resolver failure should be transient")
	}
}

func TestIsTimeout(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"attempt timeout": {&TimeoutError{Timeout: time.Second, Err: context.DeadlineExceeded}, true},
		"deadline":        {fmt.Errorf("whois: %w", context.DeadlineExceeded), true},
		"net timeout":     {&net.DNSError{IsTimeout: true}, true},
		"cancelled":       {context.Canceled, false},
		"plain":           {errors.New("boom"), false},
		"nil":             {nil, false},
	}
	for name, tc := range cases {
		if got := IsTimeout(tc.err); got != tc.want {
			t.Errorf("%s: IsTimeout = %v, want %v", name, got, tc.want)
		}
	}
}

func TestTimeoutError_IsTransient(t *testing.T) {
	err := &TimeoutError{Timeout: 15 * time.Second, Err: context.DeadlineExceeded}
	if !IsTransient(err) {
		t.Error("attempt timeout should be transient")
	}
	if err.Error() != "attempt timed out after 15s" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(&TimeoutError{Timeout: time.Second}); got != "timeout" {
		t.Errorf("expected timeout, got %s", got)
	}
	if got := ClassifyError(NewTransientError(errors.New("503"), 503)); got != "transient" {
		t.Errorf("expected transient, got %s", got)
	}
	if got := ClassifyError(errors.New("bad request")); got != "permanent" {
		t.Errorf("expected permanent, got %s", got)
	}
}
