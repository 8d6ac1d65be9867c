package signup

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"magiclink/internal/auth"
	"magiclink/internal/http_server/handlers/login"
	resp "magiclink/internal/lib/api/response"
	sl "magiclink/internal/lib/logger/sl"
	"magiclink/internal/models"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Request struct {
	Email     string `json:"email" form:"email" validate:"required,email"`
	Name      string `json:"name,omitempty" form:"name" validate:"required_without_all=FirstName LastName,max=150"`
	FirstName string `json:"first_name,omitempty" form:"first_name" validate:"max=150"`
	LastName  string `json:"last_name,omitempty" form:"last_name" validate:"max=150"`
	Username  string `json:"username,omitempty" form:"username" validate:"max=150"`
	Next      string `json:"next,omitempty" form:"next"`
}

// New godoc
// @Summary      Sign up with a magic link
// @Description  Creates the account and emails a login link to it.
// @Description  "name" is split into first and last name and is required when those are not given.
// @Tags         auth
// @Accept       json
// @Accept       x-www-form-urlencoded
// @Param        body  body  object{email=string,name=string,first_name=string,last_name=string,username=string,next=string}  true  "Signup form"
// @Success      302  "Redirect to the login sent page"
// @Failure      400  {object}  object{status=string,error=string,field=string}
// @Router       /signup [post]
func New(
	log *slog.Logger,
	validate *validator.Validate,
	issuer login.Issuer,
	opts login.Options,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.signup.New"

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
		req.Name = strings.TrimSpace(req.Name)

		if err := validate.Struct(req); err != nil {
			var validateErr validator.ValidationErrors
			errors.As(err, &validateErr)

			log.Info("Invalid request", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.ValidationError(validateErr))

			return
		}

		fields := req.fields()

		ctx, cancel := context.WithTimeout(r.Context(), opts.RequestTimeout())
		defer cancel()

		res, err := issuer.Issue(ctx, auth.IssueRequest{
			Email:       req.Email,
			Client:      login.Client(r),
			RedirectURL: req.Next,
			Signup:      &fields,
		})

		login.Finish(w, r, log, opts, res, err)
	}
}

// fields splits Name on the first space unless first/last name were sent explicitly.
func (req Request) fields() models.SignupFields {
	f := models.SignupFields{
		Username:  strings.TrimSpace(req.Username),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
	}

	if f.FirstName == "" && f.LastName == "" {
		first, last, _ := strings.Cut(strings.TrimSpace(req.Name), " ")
		f.FirstName = first
		f.LastName = strings.TrimSpace(last)
	}

	return f
}
