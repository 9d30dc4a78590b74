package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{Authentication, http.StatusUnauthorized},
		{Authorization, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{RateLimited, http.StatusTooManyRequests},
		{Transient, http.StatusServiceUnavailable},
		{Permanent, http.StatusBadGateway},
		{Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			if got := tc.kind.HTTPStatus(); got != tc.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Run("classified error reports its kind", func(t *testing.T) {
		err := New(NotFound, "message not found")
		if got := KindOf(err); got != NotFound {
			t.Errorf("KindOf = %v, want NotFound", got)
		}
	})

	t.Run("kind survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("handler: %w", New(Conflict, "duplicate submission"))
		if !Is(err, Conflict) {
			t.Error("Is(wrapped, Conflict) = false, want true")
		}
	})

	t.Run("unclassified error is internal", func(t *testing.T) {
		if got := KindOf(errors.New("boom")); got != Internal {
			t.Errorf("KindOf(plain) = %v, want Internal", got)
		}
	})

	t.Run("nil wrap returns nil", func(t *testing.T) {
		if Wrap(Transient, nil, "queue") != nil {
			t.Error("Wrap(nil) should return nil")
		}
	})
}

func TestRetriable(t *testing.T) {
	if !Retriable(Wrap(Transient, errors.New("connection refused"), "deliver")) {
		t.Error("transient error should be retriable")
	}
	if Retriable(New(Permanent, "bad payload")) {
		t.Error("permanent error should not be retriable")
	}
	if Retriable(New(NotFound, "gone")) {
		t.Error("not-found should not be retriable")
	}
}

func TestInvalidCarriesField(t *testing.T) {
	err := Invalid("sender_number", "must match E.164")
	if err.Field != "sender_number" {
		t.Errorf("Field = %q, want sender_number", err.Field)
	}
	if err.Kind != Validation {
		t.Errorf("Kind = %v, want Validation", err.Kind)
	}
}

func TestLimitedCarriesRetryAfter(t *testing.T) {
	err := Limited(42)
	if err.RetryAfter != 42 {
		t.Errorf("RetryAfter = %d, want 42", err.RetryAfter)
	}
	if err.Kind.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", err.Kind.HTTPStatus())
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(Transient, cause, "authority unreachable")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}
