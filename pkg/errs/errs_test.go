package errs_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/embeddedllm/jamai/pkg/errs"
)

func TestKindOf(t *testing.T) {
	err := errs.BadInput("column %q does not exist", "summary")
	if got := errs.KindOf(err); got != errs.KindBadInput {
		t.Fatalf("KindOf() = %v, want %v", got, errs.KindBadInput)
	}

	wrapped := fmt.Errorf("adding row: %w", err)
	if got := errs.KindOf(wrapped); got != errs.KindBadInput {
		t.Fatalf("KindOf(wrapped) = %v, want %v", got, errs.KindBadInput)
	}

	if got := errs.KindOf(errors.New("boom")); got != errs.KindUnexpected {
		t.Fatalf("KindOf(plain) = %v, want %v", got, errs.KindUnexpected)
	}
}

func TestContextOverflowCode(t *testing.T) {
	err := errs.ContextOverflow("this model's maximum context length is %d tokens", 5)
	if err.Code != errs.CodeContextLengthExceeded {
		t.Fatalf("Code = %q, want %q", err.Code, errs.CodeContextLengthExceeded)
	}
	if got := errs.HTTPStatus(err.Kind); got != http.StatusBadRequest {
		t.Fatalf("HTTPStatus = %d, want %d", got, http.StatusBadRequest)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want bool
	}{
		{errs.KindProviderRateLimit, true},
		{errs.KindProviderUnavailable, true},
		{errs.KindProviderAuth, false},
		{errs.KindContextOverflow, false},
		{errs.KindBadInput, false},
	}
	for _, tt := range tests {
		err := errs.New(tt.kind, "x")
		if got := errs.Retryable(err); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind errs.Kind
		want int
	}{
		{errs.KindBadInput, 400},
		{errs.KindUnauthenticated, 401},
		{errs.KindForbidden, 403},
		{errs.KindInsufficientCredits, 403},
		{errs.KindResourceNotFound, 404},
		{errs.KindResourceExists, 409},
		{errs.KindContextOverflow, 400},
		{errs.KindProviderAuth, 502},
		{errs.KindProviderUnavailable, 502},
		{errs.KindProviderRateLimit, 503},
		{errs.KindNoAvailableDeployment, 503},
		{errs.KindUnexpected, 500},
	}
	for _, tt := range tests {
		if got := errs.HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestErrorsIsByKind(t *testing.T) {
	err := errs.NotFound("table", "wiki")
	if !errors.Is(err, errs.New(errs.KindResourceNotFound, "")) {
		t.Fatal("errors.Is should match on kind")
	}
	if errors.Is(err, errs.New(errs.KindBadInput, "")) {
		t.Fatal("errors.Is should not match a different kind")
	}
}
