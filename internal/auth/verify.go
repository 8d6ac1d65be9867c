package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	sl "magiclink/internal/lib/logger/sl"
	"magiclink/internal/models"
	"magiclink/internal/storage"
)

type VerifyRequest struct {
	Token  string
	Email  string
	Client models.Client
}

type LoginResult struct {
	User        models.User
	Session     models.Session
	RedirectURL string
}

// * Verify checks token, email, cookie and client against the stored link and consumes it.
// A failed verification never increments the use counter or binds an address.
func (a *Auth) Verify(ctx context.Context, req VerifyRequest) (models.User, models.MagicLink, error) {
	const op = "auth.Verify"

	log := a.log.With(
		slog.String("op", op),
		slog.String("user_agent", req.Client.UserAgent),
	)

	if req.Token == "" {
		log.Info("verification rejected", slog.String("reason", "missing token"))
		return models.User{}, models.MagicLink{}, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	link, err := a.linkByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Info("verification rejected", slog.String("reason", "unknown token"))
			return models.User{}, models.MagicLink{}, fmt.Errorf("%s: %w", op, err)
		}

		log.Error("failed to get magic link", sl.Err(err))
		return models.User{}, models.MagicLink{}, a.storeErr(op, err)
	}

	log = log.With(slog.String("link_id", link.ID))

	if err := a.check(link, req); err != nil {
		log.Info("verification rejected", sl.Err(err))
		return models.User{}, models.MagicLink{}, fmt.Errorf("%s: %w", op, err)
	}

	sctx, cancel := a.storeCtx(ctx)
	user, err := a.usrProvider.UserByEmail(sctx, link.Email, a.cfg.EmailIgnoreCase)
	cancel()
	known := err == nil
	if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
		log.Error("failed to get user", sl.Err(err))
		return models.User{}, models.MagicLink{}, a.storeErr(op, err)
	}
	if !known && a.cfg.RequireSignup {
		log.Warn("verification rejected", slog.String("reason", "account vanished after issuance"))
		return models.User{}, models.MagicLink{}, fmt.Errorf("%s: %w", op, ErrAuthenticationFailed)
	}

	bindIP := a.bindIP(req.Client)

	sctx, cancel = a.storeCtx(ctx)
	consumed, err := a.links.TryConsume(sctx, link.ID, storage.Consume{
		AllowedUses: a.cfg.AllowedUses,
		Now:         a.now(),
		BindIP:      bindIP,
	})
	cancel()
	if err != nil {
		log.Error("failed to consume magic link", sl.Err(err))
		return models.User{}, models.MagicLink{}, a.storeErr(op, err)
	}
	if !consumed {
		err := a.consumeRejection(ctx, req.Token, bindIP)
		log.Info("verification rejected", slog.String("reason", "lost consume race"), sl.Err(err))
		return models.User{}, models.MagicLink{}, fmt.Errorf("%s: %w", op, err)
	}
	link.TimesUsed++
	if bindIP != "" && link.IPAddress == nil {
		link.IPAddress = &bindIP
	}

	if !known {
		user, err = a.signupOnDemand(ctx, link.Email)
		if err != nil {
			log.Error("failed to create user on demand", sl.Err(err))
			return models.User{}, models.MagicLink{}, err
		}
	}

	a.recordLogin(ctx, log, &user)

	log.Info("magic link verified", slog.Int64("uid", user.ID), slog.Int("times_used", link.TimesUsed))

	return user, link, nil
}

// * Login verifies the link and establishes exactly one session for the resolved user.
func (a *Auth) Login(ctx context.Context, req VerifyRequest) (LoginResult, error) {
	const op = "auth.Login"

	user, link, err := a.Verify(ctx, req)
	if err != nil {
		return LoginResult{}, err
	}

	session, err := a.sessions.Establish(ctx, user)
	if err != nil {
		a.log.Error("failed to establish session", slog.String("op", op), sl.Err(err))
		return LoginResult{}, fmt.Errorf("%s: %w", op, err)
	}

	return LoginResult{
		User:        user,
		Session:     session,
		RedirectURL: link.RedirectURL,
	}, nil
}

// check runs the read-only policy checks in order: email, expiry, uses, browser, ip.
func (a *Auth) check(link models.MagicLink, req VerifyRequest) error {
	if req.Email == "" {
		if a.cfg.VerifyIncludeEmail {
			return fmt.Errorf("%w: missing email", ErrNotFound)
		}
	} else if !a.emailMatches(link.Email, req.Email) {
		return fmt.Errorf("%w: email mismatch", ErrNotFound)
	}

	now := a.now()

	if link.IsExpired(now) {
		return ErrExpired
	}

	if link.IsUsedUp(a.cfg.AllowedUses) {
		return ErrAlreadyUsed
	}

	if a.cfg.RequireSameBrowser {
		cookie := req.Client.Cookie(a.cfg.CookieName)
		if cookie == "" {
			return fmt.Errorf("%w: missing cookie", ErrAuthenticationFailed)
		}
		if subtle.ConstantTimeCompare([]byte(cookie), []byte(link.CookieValue)) != 1 {
			return fmt.Errorf("%w: cookie mismatch", ErrAuthenticationFailed)
		}
	}

	if a.cfg.RequireSameIP {
		return a.checkIP(link, req.Client)
	}

	return nil
}

// checkIP compares the client with the bound address. An unbound first_use link is
// bound later, by the consuming update.
func (a *Auth) checkIP(link models.MagicLink, client models.Client) error {
	if a.cfg.IPBinding == IPBindingOff {
		return nil
	}

	ip := a.clientIP(client)

	if link.IPAddress == nil {
		if a.cfg.IPBinding == IPBindingFirstUse && ip == "" {
			return fmt.Errorf("%w: unknown client ip", ErrAuthenticationFailed)
		}
		return nil
	}

	if *link.IPAddress != ip {
		return fmt.Errorf("%w: ip mismatch", ErrAuthenticationFailed)
	}

	return nil
}

// bindIP returns the address the consuming update binds, or "" when links are not bound on use.
func (a *Auth) bindIP(client models.Client) string {
	if !a.cfg.RequireSameIP || a.cfg.IPBinding != IPBindingFirstUse {
		return ""
	}
	return a.clientIP(client)
}

func (a *Auth) linkByToken(ctx context.Context, token string) (models.MagicLink, error) {
	sctx, cancel := a.storeCtx(ctx)
	defer cancel()

	link, err := a.links.MagicLinkByToken(sctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrMagicLinkNotFound) {
			return models.MagicLink{}, ErrNotFound
		}
		return models.MagicLink{}, err
	}

	return link, nil
}

// consumeRejection explains why the conditional update matched no row: the link changed
// between the checks and the update.
func (a *Auth) consumeRejection(ctx context.Context, token, bindIP string) error {
	const op = "auth.consumeRejection"

	link, err := a.linkByToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return a.storeErr(op, err)
	}

	switch {
	case link.IsUsedUp(a.cfg.AllowedUses):
		return ErrAlreadyUsed
	case link.IsExpired(a.now()):
		return ErrExpired
	case bindIP != "" && link.IPAddress != nil && *link.IPAddress != bindIP:
		return fmt.Errorf("%w: ip bound by another client", ErrAuthenticationFailed)
	default:
		return ErrAlreadyUsed
	}
}

// recordLogin stamps the login time; a failure is only logged.
func (a *Auth) recordLogin(ctx context.Context, log *slog.Logger, user *models.User) {
	now := a.now()

	sctx, cancel := a.storeCtx(ctx)
	defer cancel()

	if err := a.usrSaver.RecordLogin(sctx, user.ID, now); err != nil {
		log.Error("failed to record login", slog.Int64("uid", user.ID), sl.Err(err))
		return
	}

	user.LastLoginAt = &now
}

func (a *Auth) signupOnDemand(ctx context.Context, email string) (models.User, error) {
	const op = "auth.signupOnDemand"

	sctx, cancel := a.storeCtx(ctx)
	defer cancel()

	user, err := a.usrSaver.SaveUser(sctx, email, models.SignupFields{})
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrUserExists) {
		return models.User{}, a.storeErr(op, err)
	}

	// A concurrent verification created the account first.
	user, err = a.usrProvider.UserByEmail(sctx, email, a.cfg.EmailIgnoreCase)
	if err != nil {
		return models.User{}, a.storeErr(op, err)
	}

	return user, nil
}
