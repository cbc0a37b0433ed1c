// Package middleware содержит HTTP middleware для сервиса washmart.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/washmart/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

const (
	authCookieName = "washmart_session"
	authCookieTTL  = 30 * 24 * time.Hour
)

// AuthMiddleware выполняет проверку аутентификации участника по подписанному cookie.
// В cookie хранятся роль и идентификатор участника.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Пустой секрет заменяется случайным: сессии тогда живут до перезапуска процесса.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireRole пропускает только участников с указанной ролью.
func RequireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if actor.Role != role {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetAuthCookie устанавливает cookie авторизации для участника.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, actor model.Actor) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(string(actor.Role) + ":" + actor.ID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (model.Actor, bool) {
	i := strings.LastIndexByte(cookieValue, '.')
	if i <= 0 {
		return model.Actor{}, false
	}
	payload := cookieValue[:i]

	if !hmac.Equal([]byte(cookieValue), []byte(a.sign(payload))) {
		return model.Actor{}, false
	}

	role, id, found := strings.Cut(payload, ":")
	if !found || id == "" {
		return model.Actor{}, false
	}
	switch model.Role(role) {
	case model.RoleCustomer, model.RoleShop:
	default:
		return model.Actor{}, false
	}

	return model.Actor{ID: id, Role: model.Role(role)}, true
}

// WithActor кладёт участника в контекст.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext извлекает участника из контекста запроса.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}
