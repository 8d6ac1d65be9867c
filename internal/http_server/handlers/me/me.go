package me

import (
	"net/http"

	resp "magiclink/internal/lib/api/response"
	"magiclink/internal/middleware/requireauth"

	"github.com/go-chi/render"
)

type Response struct {
	resp.Response
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// New returns the identity carried by the session cookie.
func New() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireauth.FromContext(r.Context())
		if !ok {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, resp.Error("Unauthorized"))
			return
		}

		render.JSON(w, r, Response{
			Response: resp.OK(),
			UserID:   claims.UserID,
			Email:    claims.Email,
		})
	}
}
