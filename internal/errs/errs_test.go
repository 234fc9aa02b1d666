package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusCoversEveryClosedCode(t *testing.T) {
	codes := []Code{
		CodeValidation, CodeInvalidEmail, CodeWeakPassword, CodeInvalidTransition,
		CodeInvalidCredentials, CodeMissingToken, CodeInvalidTokenFormat, CodeInvalidToken,
		CodeTokenExpired, CodeTokenRevoked, CodeForbidden, CodeUnauthorized,
		CodeNotFound, CodeEmailExists, CodeDuplicateClient, CodeRateLimitExceeded,
		CodeGeocodingError, CodeOutsideServiceArea, CodeInternal, CodeServiceUnavailable,
	}
	for _, c := range codes {
		if _, ok := statusByCode[c]; !ok {
			t.Errorf("code %s has no entry in statusByCode", c)
		}
	}
	if got := Code("SOMETHING_NOT_IN_THE_SET").Status(); got != http.StatusInternalServerError {
		t.Errorf("expected unknown code to default to 500, got %d", got)
	}
}

func TestAsUnwrapsWrappedError(t *testing.T) {
	base := New(CodeNotFound, "client not found")
	wrapped := fmt.Errorf("loading client: %w", base)

	got := As(wrapped)
	if got.Code != CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %s", got.Code)
	}
}

func TestAsFoldsUntypedErrorsIntoInternal(t *testing.T) {
	got := As(errors.New("boom"))
	if got.Code != CodeInternal {
		t.Fatalf("expected untyped error to fold into CodeInternal, got %s", got.Code)
	}
}

func TestAsNilIsNil(t *testing.T) {
	if As(nil) != nil {
		t.Fatal("expected As(nil) to return nil")
	}
}

func TestWrapPreservesCauseWithoutLeakingItInMessage(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(CodeInternal, "failed to load client", cause)

	if e.Message != "failed to load client" {
		t.Fatalf("expected message to stay generic, got %q", e.Message)
	}
	if !errors.Is(e, cause) {
		t.Fatal("expected Unwrap to expose the original cause")
	}
}

func TestWithDetailsChains(t *testing.T) {
	e := New(CodeValidation, "missing fields").WithDetails(map[string]any{"field": "email"})
	if e.Details["field"] != "email" {
		t.Fatalf("expected details to be attached, got %+v", e.Details)
	}
}
