// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_FromContext(t *testing.T) {
	want := &AuthContext{UserID: "user-1", Kind: KindUser}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Fatalf("FromContext() = %v, want %v", got, want)
	}
	if UserID(ctx) != "user-1" {
		t.Errorf("UserID() = %q, want %q", UserID(ctx), "user-1")
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
	if got := UserID(context.Background()); got != "" {
		t.Errorf("UserID() = %q, want empty", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustFromContext() should panic without auth")
		}
	}()
	MustFromContext(context.Background())
}
