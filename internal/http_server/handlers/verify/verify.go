package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"magiclink/internal/auth"
	"magiclink/internal/http_server/handlers/login"
	resp "magiclink/internal/lib/api/response"
	"magiclink/internal/lib/cookie"
	sl "magiclink/internal/lib/logger/sl"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
)

type LoginVerifier interface {
	Login(ctx context.Context, req auth.VerifyRequest) (auth.LoginResult, error)
}

type Options struct {
	MagicLinkCookie  string
	SessionCookie    string
	Cookie           cookie.Config
	LoginRedirectURL string
	Timeout          time.Duration
}

// New godoc
// @Summary      Verify a magic link
// @Description  Consumes the link, starts a session and redirects.
// @Description  Unknown, expired and used links all answer 404; a wrong browser or IP answers 403.
// @Tags         auth
// @Param        token  query  string  true   "Link token"
// @Param        email  query  string  false  "Email the link was issued for"
// @Success      302  "Redirect to the bound or default post-login page"
// @Failure      403  {object}  object{status=string,error=string}
// @Failure      404  {object}  object{status=string,error=string}
// @Failure      503  {object}  object{status=string,error=string}
// @Router       /login/verify [get]
func New(
	log *slog.Logger,
	verifier LoginVerifier,
	opts Options,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.verify.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		q := r.URL.Query()

		res, err := verifier.Login(ctx, auth.VerifyRequest{
			Token:  q.Get("token"),
			Email:  q.Get("email"),
			Client: login.Client(r),
		})
		if err != nil {
			switch {
			case auth.IsNotFoundLike(err):
				log.Info("magic link rejected", sl.Err(err))

				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, resp.Error("Not found"))
			case errors.Is(err, auth.ErrAuthenticationFailed):
				log.Warn("magic link authentication failed", sl.Err(err))

				render.Status(r, http.StatusForbidden)
				render.JSON(w, r, resp.Error("Forbidden"))
			case errors.Is(err, auth.ErrInfrastructureTimeout):
				log.Error("magic link verification timed out", sl.Err(err))

				w.Header().Set("Retry-After", "5")
				render.Status(r, http.StatusServiceUnavailable)
				render.JSON(w, r, resp.Error("Service temporarily unavailable"))
			default:
				log.Error("failed to verify magic link", sl.Err(err))

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, resp.Error("Internal error"))
			}

			return
		}

		cookie.Set(w, opts.Cookie, opts.SessionCookie, res.Session.Token, res.Session.ExpiresAt)
		cookie.Clear(w, opts.Cookie, opts.MagicLinkCookie)

		redirectURL := res.RedirectURL
		if redirectURL == "" {
			redirectURL = opts.LoginRedirectURL
		}

		log.Info("user logged in", slog.Int64("uid", res.User.ID))

		http.Redirect(w, r, redirectURL, http.StatusFound)
	}
}
