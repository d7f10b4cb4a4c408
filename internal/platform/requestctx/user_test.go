package requestctx

import (
	"context"
	"testing"
)

func TestUserIDRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "rider-42")
	if got := UserIDFromContext(ctx); got != "rider-42" {
		t.Fatalf("UserIDFromContext = %q, want %q", got, "rider-42")
	}
}

func TestUserIDMissing(t *testing.T) {
	if got := UserIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
	if got := UserIDFromContext(nil); got != "" {
		t.Fatalf("expected empty string for nil context, got %q", got)
	}
}

func TestWithUserIDNilContext(t *testing.T) {
	ctx := WithUserID(nil, "rider-99")
	if ctx == nil {
		t.Fatalf("expected non-nil context")
	}
	if got := UserIDFromContext(ctx); got != "rider-99" {
		t.Fatalf("UserIDFromContext = %q, want %q", got, "rider-99")
	}
}
