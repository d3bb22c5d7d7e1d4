package assertx

import "testing"

// Equal fails if want != got.
func Equal[T comparable](t *testing.T, want, got T) {
	t.Helper()
	if want != got {
		t.Fatalf("want %v, got %v", want, got)
	}
}

// Status fails unless the response carried the wanted status code.
func Status(t *testing.T, want, got int) {
	t.Helper()
	if want != got {
		t.Fatalf("want status %d, got %d", want, got)
	}
}
