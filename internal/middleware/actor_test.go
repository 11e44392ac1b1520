package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestActorMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"ヘッダーあり", "alice@example.com", "alice@example.com"},
		{"前後の空白を除去", "  bob  ", "bob"},
		{"ヘッダーなし", "", AnonymousActor},
		{"長すぎる値は切り詰め", strings.Repeat("a", 200), strings.Repeat("a", maxActorLength)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := NewActorMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ActorFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/sync/runs", nil)
			if tt.header != "" {
				req.Header.Set(ActorHeader, tt.header)
			}
			handler.ServeHTTP(httptest.NewRecorder(), req)

			if got != tt.want {
				t.Errorf("actor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActorFromContext_Default(t *testing.T) {
	if got := ActorFromContext(context.Background()); got != AnonymousActor {
		t.Errorf("actor = %q, want %q", got, AnonymousActor)
	}
	ctx := ContextWithActor(context.Background(), "ops")
	if got := ActorFromContext(ctx); got != "ops" {
		t.Errorf("actor = %q, want ops", got)
	}
}
