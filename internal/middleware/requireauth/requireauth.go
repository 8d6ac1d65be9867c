package requireauth

import (
	"context"
	"log/slog"
	"net/http"

	resp "magiclink/internal/lib/api/response"
	"magiclink/internal/lib/jwt"
	sl "magiclink/internal/lib/logger/sl"

	"github.com/go-chi/render"
)

type ctxKey struct{}

type Parser interface {
	Parse(token string) (jwt.Claims, error)
}

// New rejects requests without a valid session cookie and stores the claims in the context.
func New(log *slog.Logger, parser Parser, cookieName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := r.Cookie(cookieName)
			if err != nil || c.Value == "" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, resp.Error("Unauthorized"))
				return
			}

			claims, err := parser.Parse(c.Value)
			if err != nil {
				log.Info("invalid session", slog.String("op", "middleware.requireauth"), sl.Err(err))

				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, resp.Error("Unauthorized"))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

func FromContext(ctx context.Context) (jwt.Claims, bool) {
	claims, ok := ctx.Value(ctxKey{}).(jwt.Claims)
	return claims, ok
}
