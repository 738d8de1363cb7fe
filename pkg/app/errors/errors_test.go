package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"bad token fee", BadTokenFeeError(errors.New("paid 1, required 2")), MessageBadTokenFee},
		{"wrapped bad token fee", fmt.Errorf("validate: %w", BadTokenFeeError(nil)), MessageBadTokenFee},
		{"policy rejection", PolicyRejectionError(nil, "top-up too costly"), MessageUnknown},
		{"dependency", DependencyError(errors.New("dial tcp: refused"), "rpc"), MessageUnknown},
		{"plain error", errors.New("secret internal detail"), MessageUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.err); got != tt.want {
				t.Errorf("Sanitize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServiceError_StatusCode(t *testing.T) {
	var svcErr *ServiceError
	if !errors.As(BadRequestError(nil, "invalid JSON"), &svcErr) {
		t.Fatal("expected ServiceError")
	}
	if svcErr.StatusCode() != http.StatusBadRequest {
		t.Errorf("expected %d, got %d", http.StatusBadRequest, svcErr.StatusCode())
	}
	if !errors.As(GeneralError(nil), &svcErr) || svcErr.StatusCode() != http.StatusInternalServerError {
		t.Error("expected general error to map to 500")
	}
}

func TestIsInternalError(t *testing.T) {
	if IsInternalError(BadTokenFeeError(nil)) {
		t.Error("bad token fee is a client-side error")
	}
	if !IsInternalError(errors.New("boom")) {
		t.Error("plain errors are internal")
	}
}

func TestCategoryOf(t *testing.T) {
	if got := CategoryOf(BadTokenFeeError(nil)); got != CategoryBadTokenFee {
		t.Errorf("expected %s, got %s", CategoryBadTokenFee, got)
	}
	wrapped := fmt.Errorf("estimate: %w", DependencyError(errors.New("rpc down"), "rpc unavailable"))
	if got := CategoryOf(wrapped); got != CategoryDependencyFailure {
		t.Errorf("expected %s, got %s", CategoryDependencyFailure, got)
	}
	if got := CategoryOf(errors.New("boom")); got != CategoryGeneralError {
		t.Errorf("expected %s, got %s", CategoryGeneralError, got)
	}
}
