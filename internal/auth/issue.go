package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"

	sl "magiclink/internal/lib/logger/sl"
	"magiclink/internal/lib/netutil"
	"magiclink/internal/lib/random"
	"magiclink/internal/models"
	"magiclink/internal/storage"

	"github.com/google/uuid"
)

// maxTokenAttempts bounds regeneration after a unique constraint collision.
const maxTokenAttempts = 3

const purposeMagicLink = "magiclink"

type IssueRequest struct {
	Email       string
	Client      models.Client
	RedirectURL string
	// Signup, when set, creates the account before the link is issued.
	Signup *models.SignupFields
}

type IssueResult struct {
	Link        models.MagicLink
	URL         string
	CookieValue string
}

// * Issue creates a magic link for email and dispatches it to the notifier.
// Exactly one link row is written per successful call.
func (a *Auth) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	const op = "auth.Issue"

	log := a.log.With(slog.String("op", op))

	email := strings.TrimSpace(req.Email)
	if err := a.validate.Var(email, "required,email"); err != nil {
		log.Info("invalid email", sl.Err(err))
		return IssueResult{}, fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}
	email = a.normalizeEmail(email)

	redirectURL, ok := netutil.SafeRedirectPath(req.RedirectURL)
	if !ok {
		log.Info("unsafe redirect url rejected")
		return IssueResult{}, fmt.Errorf("%s: %w", op, ErrInvalidRedirect)
	}

	if a.limiter != nil {
		allowed, err := a.limiter.Allow(ctx, email)
		if err != nil {
			log.Error("failed to consult limiter", sl.Err(err))
			return IssueResult{}, a.storeErr(op, err)
		}
		if !allowed {
			log.Info("issuance throttled by limiter")
			return IssueResult{}, fmt.Errorf("%s: %w", op, ErrRateLimitExceeded)
		}
	}

	email, err := a.resolveIssuer(ctx, email, req.Signup)
	if err != nil {
		return IssueResult{}, err
	}

	link, err := a.saveLink(ctx, email, redirectURL, req.Client)
	if err != nil {
		if errors.Is(err, storage.ErrRateLimited) {
			log.Info("too many outstanding magic links")
			return IssueResult{}, fmt.Errorf("%s: %w", op, ErrRateLimitExceeded)
		}

		log.Error("failed to save magic link", sl.Err(err))
		return IssueResult{}, a.storeErr(op, err)
	}

	verifyURL, err := a.buildURL(link)
	if err != nil {
		log.Error("failed to build verification url", sl.Err(err))
		return IssueResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.notifier.SendMessage(ctx, a.buildMessage(link, verifyURL)); err != nil {
		log.Error("failed to send magic link", sl.Err(err))
		a.discardLink(ctx, link.ID)
		return IssueResult{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("magic link issued",
		slog.String("link_id", link.ID),
		slog.Time("expiry", link.Expiry),
		slog.String("user_agent", req.Client.UserAgent),
	)

	return IssueResult{
		Link:        link,
		URL:         verifyURL,
		CookieValue: link.CookieValue,
	}, nil
}

// resolveIssuer returns the email to bind the link to. Known accounts keep their stored spelling.
func (a *Auth) resolveIssuer(ctx context.Context, email string, signup *models.SignupFields) (string, error) {
	const op = "auth.resolveIssuer"

	log := a.log.With(slog.String("op", op))

	sctx, cancel := a.storeCtx(ctx)
	defer cancel()

	if signup != nil {
		user, err := a.usrSaver.SaveUser(sctx, email, *signup)
		if err == nil {
			log.Info("user signed up", slog.Int64("uid", user.ID))
			return user.Email, nil
		}
		if !errors.Is(err, storage.ErrUserExists) {
			log.Error("failed to save user", sl.Err(err))
			return "", a.storeErr(op, err)
		}

		user, err = a.usrProvider.UserByEmail(sctx, email, a.cfg.EmailIgnoreCase)
		if err != nil {
			log.Error("failed to get existing user", sl.Err(err))
			return "", a.storeErr(op, err)
		}

		// An account that never verified a link belongs to an earlier, unfinished signup.
		if user.HasLoggedIn() {
			log.Info("signup for existing account")
			return "", fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}

		log.Info("signup retried for unverified account", slog.Int64("uid", user.ID))
		return user.Email, nil
	}

	user, err := a.usrProvider.UserByEmail(sctx, email, a.cfg.EmailIgnoreCase)
	if err == nil {
		return user.Email, nil
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		log.Error("failed to get user", sl.Err(err))
		return "", a.storeErr(op, err)
	}
	if a.cfg.RequireSignup {
		log.Info("user not found")
		return "", fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}

	return email, nil
}

func (a *Auth) saveLink(ctx context.Context, email, redirectURL string, client models.Client) (models.MagicLink, error) {
	var err error

	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		var link models.MagicLink

		link, err = a.newLink(email, redirectURL, client)
		if err != nil {
			return models.MagicLink{}, err
		}

		sctx, cancel := a.storeCtx(ctx)
		err = a.links.SaveMagicLink(sctx, link, storage.Limit{
			Window:      a.cfg.RateLimitWindow,
			Max:         a.cfg.RateLimitMax,
			AllowedUses: a.cfg.AllowedUses,
			Now:         link.CreatedAt,
		})
		cancel()

		if err == nil {
			return link, nil
		}
		if !errors.Is(err, storage.ErrMagicLinkExists) {
			return models.MagicLink{}, err
		}
	}

	return models.MagicLink{}, err
}

// discardLink removes a link that was never delivered so it does not count against the rate limit.
func (a *Auth) discardLink(ctx context.Context, id string) {
	sctx, cancel := a.storeCtx(context.WithoutCancel(ctx))
	defer cancel()

	if err := a.links.DeleteMagicLink(sctx, id); err != nil {
		a.log.Error("failed to discard undelivered magic link",
			slog.String("op", "auth.discardLink"),
			slog.String("link_id", id),
			sl.Err(err),
		)
	}
}

func (a *Auth) newLink(email, redirectURL string, client models.Client) (models.MagicLink, error) {
	token, cookie, err := random.Pair(a.cfg.TokenBytes)
	if err != nil {
		return models.MagicLink{}, err
	}

	now := a.now()

	link := models.MagicLink{
		ID:          uuid.NewString(),
		Email:       email,
		Token:       token,
		CookieValue: cookie,
		RedirectURL: redirectURL,
		CreatedAt:   now,
		Expiry:      now.Add(a.cfg.TokenTTL),
	}

	if a.cfg.IPBinding != IPBindingFirstUse && client.IP != "" {
		ip := a.clientIP(client)
		link.IPAddress = &ip
	}

	return link, nil
}

func (a *Auth) clientIP(client models.Client) string {
	if a.cfg.AnonymizeIP {
		return netutil.AnonymizeIP(client.IP)
	}
	return client.IP
}

// buildURL embeds the token and, if configured, the email. The cookie value never leaves the cookie.
func (a *Auth) buildURL(link models.MagicLink) (string, error) {
	u, err := url.Parse(strings.TrimRight(a.cfg.BaseURL, "/"))
	if err != nil {
		return "", err
	}

	u.Path += a.cfg.VerifyPath

	q := u.Query()
	q.Set("token", link.Token)
	if a.cfg.VerifyIncludeEmail {
		q.Set("email", link.Email)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (a *Auth) buildMessage(link models.MagicLink, verifyURL string) models.Message {
	minutes := int(a.cfg.TokenTTL.Minutes())
	if minutes < 1 {
		minutes = 1
	}

	text := fmt.Sprintf(
		"Hi %s,\n\nUse the link below to log in:\n\n%s\n\nThe link is valid for %d minute(s).\n\n"+
			"If you did not request this email, you can ignore it.\n",
		link.Email, verifyURL, minutes,
	)

	body := fmt.Sprintf(
		`<p>Hi %s,</p><p><a href="%s">Click here to log in</a></p>`+
			`<p>The link is valid for %d minute(s).</p>`+
			`<p>If you did not request this email, you can ignore it.</p>`,
		html.EscapeString(link.Email), html.EscapeString(verifyURL), minutes,
	)

	return models.Message{
		Email:   link.Email,
		Subject: a.cfg.EmailSubject,
		Text:    text,
		HTML:    body,
		Link:    verifyURL,
		Purpose: purposeMagicLink,
	}
}
