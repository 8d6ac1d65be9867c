package router

import (
	"log/slog"
	"net/http"

	"magiclink/internal/config"
	"magiclink/internal/http_server/handlers/login"
	"magiclink/internal/http_server/handlers/logout"
	"magiclink/internal/http_server/handlers/me"
	"magiclink/internal/http_server/handlers/signup"
	"magiclink/internal/http_server/handlers/verify"
	"magiclink/internal/lib/cookie"
	"magiclink/internal/middleware/ratelimit"
	"magiclink/internal/middleware/requireauth"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-playground/validator/v10"
)

type Service interface {
	login.Issuer
	verify.LoginVerifier
}

// New wires the HTTP surface. throttle enables the per-IP limits.
func New(
	log *slog.Logger,
	cfg *config.Config,
	svc Service,
	sessions requireauth.Parser,
	throttle bool,
) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	validate := validator.New()
	cookies := cookie.Config{Secure: cfg.Session.Secure}

	issueOpts := login.Options{
		CookieName:   cfg.MagicLink.CookieName,
		SetCookie:    cfg.MagicLink.RequireSameBrowser,
		Cookie:       cookies,
		LoginSentURL: cfg.MagicLink.LoginSentURL,
		Timeout:      cfg.HTTPServer.Timeout,
	}

	limit := func(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
		if !throttle {
			return func(next http.Handler) http.Handler { return next }
		}
		return mw
	}

	r.With(limit(rateLimit.Login())).Post("/login",
		login.New(log, validate, svc, issueOpts),
	)
	r.With(limit(rateLimit.Signup())).Post("/signup",
		signup.New(log, validate, svc, issueOpts),
	)
	r.With(limit(rateLimit.Verify())).Get(cfg.MagicLink.VerifyPath,
		verify.New(log, svc, verify.Options{
			MagicLinkCookie:  cfg.MagicLink.CookieName,
			SessionCookie:    cfg.Session.CookieName,
			Cookie:           cookies,
			LoginRedirectURL: cfg.MagicLink.LoginRedirectURL,
			Timeout:          cfg.HTTPServer.Timeout,
		}),
	)

	logoutHandler := logout.New(log, cfg.Session.CookieName, cookies, cfg.MagicLink.LogoutRedirectURL)
	r.Get("/logout", logoutHandler)
	r.Post("/logout", logoutHandler)

	r.With(requireauth.New(log, sessions, cfg.Session.CookieName)).Get("/me", me.New())

	return r
}
