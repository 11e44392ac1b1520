// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"net/http"
	"strings"
	"unicode/utf8"
)

// ActorHeader は操作者を識別するリクエストヘッダー。認証は前段のプロキシで行う。
const ActorHeader = "X-Actor"

// AnonymousActor はヘッダーが無い場合の操作者名。
const AnonymousActor = "anonymous"

const maxActorLength = 120

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var actorContextKey = contextKey("actor")

// NewActorMiddleware はX-Actorヘッダーから操作者を読み取り、リクエストコンテキストに注入する。
// ヘッダーが無い場合はAnonymousActorとする。
func NewActorMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := normalizeActor(r.Header.Get(ActorHeader))
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
		})
	}
}

func normalizeActor(raw string) string {
	actor := strings.TrimSpace(raw)
	if actor == "" || !utf8.ValidString(actor) {
		return AnonymousActor
	}
	if utf8.RuneCountInString(actor) > maxActorLength {
		actor = string([]rune(actor)[:maxActorLength])
	}
	return actor
}

// ActorFromContext はリクエストコンテキストから操作者を取得する。
// ActorMiddlewareを通過していない場合はAnonymousActorを返す。
func ActorFromContext(ctx context.Context) string {
	actor, ok := ctx.Value(actorContextKey).(string)
	if !ok || actor == "" {
		return AnonymousActor
	}
	return actor
}

// ContextWithActor はコンテキストに操作者を注入する。
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}
