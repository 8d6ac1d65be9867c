package login

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"magiclink/internal/auth"
	resp "magiclink/internal/lib/api/response"
	"magiclink/internal/lib/cookie"
	sl "magiclink/internal/lib/logger/sl"
	"magiclink/internal/lib/netutil"
	"magiclink/internal/models"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Issuer interface {
	Issue(ctx context.Context, req auth.IssueRequest) (auth.IssueResult, error)
}

type Request struct {
	Email string `json:"email" form:"email" validate:"required,email"`
	Next  string `json:"next,omitempty" form:"next"`
}

// Options configure what the issue endpoints do after a link was created.
type Options struct {
	CookieName   string
	SetCookie    bool
	Cookie       cookie.Config
	LoginSentURL string
	Timeout      time.Duration
}

// New godoc
// @Summary      Request a magic link
// @Description  Emails a single-use login link to an existing account.
// @Description  Sets the magic link cookie when same-browser enforcement is on.
// @Tags         auth
// @Accept       json
// @Accept       x-www-form-urlencoded
// @Param        body  body  object{email=string,next=string}  true  "Email and optional post-login path"
// @Success      302  "Redirect to the login sent page"
// @Failure      400  {object}  object{status=string,error=string,field=string}
// @Failure      429  {object}  object{status=string,error=string,field=string}
// @Router       /login [post]
func New(
	log *slog.Logger,
	validate *validator.Validate,
	issuer Issuer,
	opts Options,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.login.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		var req Request

		if err := render.Decode(r, &req); err != nil {
			log.Error("Failed to decode request body", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.Error("Failed to decode request"))

			return
		}

		req.Email = strings.TrimSpace(req.Email)

		if err := validate.Struct(req); err != nil {
			var validateErr validator.ValidationErrors
			errors.As(err, &validateErr)

			log.Info("Invalid request", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.ValidationError(validateErr))

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), opts.RequestTimeout())
		defer cancel()

		res, err := issuer.Issue(ctx, auth.IssueRequest{
			Email:       req.Email,
			Client:      Client(r),
			RedirectURL: req.Next,
		})

		Finish(w, r, log, opts, res, err)
	}
}

// Client captures the request's client context.
func Client(r *http.Request) models.Client {
	return models.Client{
		IP:        netutil.ClientIP(r),
		UserAgent: r.UserAgent(),
		Cookies:   netutil.Cookies(r),
	}
}

// Finish writes the response of an issue attempt. Issuance errors the user can
// correct are returned as form field errors.
func Finish(w http.ResponseWriter, r *http.Request, log *slog.Logger, opts Options, res auth.IssueResult, err error) {
	if err != nil {
		status, body := issueError(err)
		if status >= http.StatusInternalServerError {
			log.Error("failed to issue magic link", sl.Err(err))
		} else {
			log.Info("magic link not issued", sl.Err(err))
		}

		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "5")
		}

		render.Status(r, status)
		render.JSON(w, r, body)

		return
	}

	if opts.SetCookie {
		cookie.Set(w, opts.Cookie, opts.CookieName, res.CookieValue, res.Link.Expiry)
	}

	log.Info("magic link sent", slog.String("link_id", res.Link.ID))

	http.Redirect(w, r, opts.LoginSentURL, http.StatusFound)
}

func issueError(err error) (int, resp.Response) {
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusBadRequest, resp.FieldError("email", "We could not find a user with that email address")
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusBadRequest, resp.FieldError("email", "Email address is already linked to an account")
	case errors.Is(err, auth.ErrInvalidEmail):
		return http.StatusBadRequest, resp.FieldError("email", "Enter a valid email address.")
	case errors.Is(err, auth.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, resp.FieldError("email", "Too many magic login requests")
	case errors.Is(err, auth.ErrInvalidRedirect):
		return http.StatusBadRequest, resp.FieldError("next", "Invalid redirect url")
	case errors.Is(err, auth.ErrInfrastructureTimeout):
		return http.StatusServiceUnavailable, resp.Error("Service temporarily unavailable")
	default:
		return http.StatusInternalServerError, resp.Error("Internal error")
	}
}

func (o Options) RequestTimeout() time.Duration {
	if o.Timeout <= 0 {
		return 5 * time.Second
	}
	return o.Timeout
}
