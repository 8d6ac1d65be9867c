package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"magiclink/internal/models"
	"magiclink/internal/storage"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidEmail          = errors.New("invalid email")
	ErrUserNotFound          = fmt.Errorf("%w: we could not find a user with that email address", ErrInvalidEmail)
	ErrEmailTaken            = fmt.Errorf("%w: email address is already linked to an account", ErrInvalidEmail)
	ErrInvalidRedirect       = errors.New("invalid redirect url")
	ErrRateLimitExceeded     = errors.New("too many magic login requests")
	ErrNotFound              = errors.New("magic link not found")
	ErrExpired               = errors.New("magic link expired")
	ErrAlreadyUsed           = errors.New("magic link already used")
	ErrAuthenticationFailed  = errors.New("magic link authentication failed")
	ErrInfrastructureTimeout = errors.New("infrastructure timeout")
)

// IsNotFoundLike reports whether err is one of the dead-token outcomes that
// are reported identically at the transport boundary.
func IsNotFoundLike(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) || errors.Is(err, ErrAlreadyUsed)
}

const (
	IPBindingOff      = "off"
	IPBindingIssuance = "issuance"
	IPBindingFirstUse = "first_use"
)

const (
	DefaultTokenTTL     = 5 * time.Minute
	DefaultTokenBytes   = 32
	DefaultAllowedUses  = 1
	DefaultCookieName   = "magiclink"
	DefaultVerifyPath   = "/login/verify"
	DefaultEmailSubject = "Your login magic link"
	DefaultStoreTimeout = 3 * time.Second
)

// Config is the explicit set of options the issuance and verification flow runs with.
type Config struct {
	BaseURL            string
	VerifyPath         string
	TokenTTL           time.Duration
	TokenBytes         int
	AllowedUses        int
	RequireSameBrowser bool
	RequireSameIP      bool
	IPBinding          string
	AnonymizeIP        bool
	EmailIgnoreCase    bool
	RequireSignup      bool
	VerifyIncludeEmail bool
	CookieName         string
	EmailSubject       string
	StoreTimeout       time.Duration

	// RateLimitMax caps links per email; zero or less disables the store guard.
	RateLimitMax int
	// RateLimitWindow switches the guard from "outstanding links" to "links created within the window".
	RateLimitWindow time.Duration
}

func (c *Config) normalize() {
	if c.VerifyPath == "" {
		c.VerifyPath = DefaultVerifyPath
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.TokenBytes <= 0 {
		c.TokenBytes = DefaultTokenBytes
	}
	if c.AllowedUses <= 0 {
		c.AllowedUses = DefaultAllowedUses
	}
	if c.IPBinding == "" {
		c.IPBinding = IPBindingIssuance
	}
	if c.CookieName == "" {
		c.CookieName = DefaultCookieName
	}
	if c.EmailSubject == "" {
		c.EmailSubject = DefaultEmailSubject
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string, foldCase bool) (models.User, error)
}

type UserSaver interface {
	SaveUser(ctx context.Context, email string, fields models.SignupFields) (models.User, error)
	RecordLogin(ctx context.Context, id int64, at time.Time) error
}

type LinkSaver interface {
	SaveMagicLink(ctx context.Context, link models.MagicLink, limit storage.Limit) error
}

type LinkProvider interface {
	MagicLinkByToken(ctx context.Context, token string) (models.MagicLink, error)
}

// Consumer performs the conditional "increment only if still usable" update.
type Consumer interface {
	TryConsume(ctx context.Context, id string, c storage.Consume) (bool, error)
}

type LinkDeleter interface {
	DeleteMagicLink(ctx context.Context, id string) error
}

type LinkCleaner interface {
	DeleteStaleMagicLinks(ctx context.Context, before time.Time, allowedUses int) (int64, error)
}

// Limiter is an optional issuance throttle consulted before the store guard.
type Limiter interface {
	Allow(ctx context.Context, email string) (bool, error)
}

type Notifier interface {
	SendMessage(ctx context.Context, msg models.Message) error
}

type SessionEstablisher interface {
	Establish(ctx context.Context, user models.User) (models.Session, error)
}

// LinkStore bundles everything the flow needs from the magic link table.
type LinkStore interface {
	LinkSaver
	LinkProvider
	Consumer
	LinkDeleter
	LinkCleaner
}

type Deps struct {
	Users    UserProvider
	Signup   UserSaver
	Links    LinkStore
	Limiter  Limiter
	Notifier Notifier
	Sessions SessionEstablisher
	Clock    func() time.Time
}

type Auth struct {
	log         *slog.Logger
	usrProvider UserProvider
	usrSaver    UserSaver
	links       LinkStore
	limiter     Limiter
	notifier    Notifier
	sessions    SessionEstablisher
	validate    *validator.Validate
	cfg         Config
	now         func() time.Time
}

// New creates the magic link service. It panics if a required dependency is missing.
func New(log *slog.Logger, cfg Config, deps Deps) *Auth {
	if log == nil {
		panic("log must be provided")
	}
	if deps.Users == nil || deps.Signup == nil {
		panic("user provider and saver must be provided")
	}
	if deps.Links == nil {
		panic("link store must be provided")
	}
	if deps.Notifier == nil {
		panic("notifier must be provided")
	}
	if deps.Sessions == nil {
		panic("session establisher must be provided")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	cfg.normalize()

	return &Auth{
		log:         log,
		usrProvider: deps.Users,
		usrSaver:    deps.Signup,
		links:       deps.Links,
		limiter:     deps.Limiter,
		notifier:    deps.Notifier,
		sessions:    deps.Sessions,
		validate:    validator.New(),
		cfg:         cfg,
		now:         deps.Clock,
	}
}

// Config returns the normalized configuration.
func (a *Auth) Config() Config {
	return a.cfg
}

// * CleanupExpired removes links that can no longer be used. Expiry is enforced at
// verification time regardless, so this only keeps the table small.
func (a *Auth) CleanupExpired(ctx context.Context) (int64, error) {
	const op = "auth.CleanupExpired"

	deleted, err := a.links.DeleteStaleMagicLinks(ctx, a.now(), a.cfg.AllowedUses)
	if err != nil {
		return 0, a.storeErr(op, err)
	}

	a.log.Info("cleanup completed", slog.String("op", op), slog.Int64("deleted", deleted))

	return deleted, nil
}

func (a *Auth) normalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	if a.cfg.EmailIgnoreCase {
		email = strings.ToLower(email)
	}
	return email
}

func (a *Auth) emailMatches(stored, supplied string) bool {
	if a.cfg.EmailIgnoreCase {
		return strings.EqualFold(stored, strings.TrimSpace(supplied))
	}
	return stored == strings.TrimSpace(supplied)
}

func (a *Auth) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.cfg.StoreTimeout)
}

// storeErr turns a timed out store call into the retryable ErrInfrastructureTimeout.
func (a *Auth) storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, storage.ErrTimeout) {
		return fmt.Errorf("%s: %w: %w", op, ErrInfrastructureTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
