package login5

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindTimeout, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestKindStringCoversAllKinds(t *testing.T) {
	kinds := []Kind{
		KindInvalidCredentials, KindBadRequest, KindUnsupportedProtocol,
		KindTimeout, KindUnknownIdentifier, KindTooManyAttempts,
		KindInvalidPhoneNumber, KindTryAgainLater, KindUnknown,
	}
	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		if s == "" {
			t.Fatalf("Kind %d stringified to empty", k)
		}
		seen[s] = true
	}
	if len(seen) != len(kinds) {
		t.Fatalf("expected %d distinct kind strings, got %d", len(kinds), len(seen))
	}
}
