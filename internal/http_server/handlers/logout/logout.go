package logout

import (
	"log/slog"
	"net/http"

	"magiclink/internal/lib/cookie"

	"github.com/go-chi/chi/middleware"
)

// New godoc
// @Summary      Log out
// @Description  Drops the session cookie and redirects.
// @Tags         auth
// @Success      302  "Redirect to the logout page"
// @Router       /logout [get]
// @Router       /logout [post]
func New(
	log *slog.Logger,
	sessionCookie string,
	cfg cookie.Config,
	redirectURL string,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.logout.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		cookie.Clear(w, cfg, sessionCookie)

		log.Info("user logged out")

		http.Redirect(w, r, redirectURL, http.StatusFound)
	}
}
