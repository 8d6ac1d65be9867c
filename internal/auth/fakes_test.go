package auth_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"magiclink/internal/auth"
	"magiclink/internal/models"
	"magiclink/internal/storage"
)

// memStore is an in-memory UserProvider, UserSaver and LinkStore with the same
// conditional-update semantics as the Postgres repository.
type memStore struct {
	mu     sync.Mutex
	users  []models.User
	links  map[string]*models.MagicLink
	nextID int64

	// fail, when set, is returned from every call.
	fail error
	// onUserLookup runs at the start of UserByEmail, between the link checks and the consume.
	onUserLookup func()
}

func newMemStore() *memStore {
	return &memStore{links: make(map[string]*models.MagicLink)}
}

func (s *memStore) addUser(email string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	u := models.User{ID: s.nextID, Email: email, CreatedAt: time.Now()}
	s.users = append(s.users, u)
	return u
}

func (s *memStore) userCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

func (s *memStore) linkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

func (s *memStore) link(id string) models.MagicLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.links[id]
}

func (s *memStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *memStore) UserByEmail(_ context.Context, email string, foldCase bool) (models.User, error) {
	if s.onUserLookup != nil {
		s.onUserLookup()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return models.User{}, s.fail
	}

	for _, u := range s.users {
		if u.Email == email || (foldCase && strings.EqualFold(u.Email, email)) {
			return u, nil
		}
	}

	return models.User{}, storage.ErrUserNotFound
}

func (s *memStore) SaveUser(_ context.Context, email string, fields models.SignupFields) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return models.User{}, s.fail
	}

	for _, u := range s.users {
		if u.Email == email {
			return models.User{}, storage.ErrUserExists
		}
	}

	s.nextID++
	u := models.User{
		ID:        s.nextID,
		Email:     email,
		Username:  fields.Username,
		FirstName: fields.FirstName,
		LastName:  fields.LastName,
		CreatedAt: time.Now(),
	}
	s.users = append(s.users, u)

	return u, nil
}

func (s *memStore) SaveMagicLink(_ context.Context, link models.MagicLink, limit storage.Limit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}

	if limit.Max > 0 {
		count := 0
		for _, l := range s.links {
			if !strings.EqualFold(l.Email, link.Email) {
				continue
			}
			if limit.Window > 0 {
				if l.CreatedAt.After(limit.Now.Add(-limit.Window)) {
					count++
				}
			} else if l.TimesUsed < limit.AllowedUses && !l.Expiry.Before(limit.Now) {
				count++
			}
		}
		if count >= limit.Max {
			return storage.ErrRateLimited
		}
	}

	for _, l := range s.links {
		if l.Token == link.Token || l.CookieValue == link.CookieValue {
			return storage.ErrMagicLinkExists
		}
	}

	stored := link
	s.links[link.ID] = &stored

	return nil
}

func (s *memStore) MagicLinkByToken(_ context.Context, token string) (models.MagicLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return models.MagicLink{}, s.fail
	}

	for _, l := range s.links {
		if l.Token == token {
			return *l, nil
		}
	}

	return models.MagicLink{}, storage.ErrMagicLinkNotFound
}

func (s *memStore) TryConsume(_ context.Context, id string, c storage.Consume) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return false, s.fail
	}

	l, ok := s.links[id]
	if !ok || l.TimesUsed >= c.AllowedUses || l.Expiry.Before(c.Now) {
		return false, nil
	}
	if c.BindIP != "" {
		if l.IPAddress != nil && *l.IPAddress != c.BindIP {
			return false, nil
		}
		if l.IPAddress == nil {
			ip := c.BindIP
			l.IPAddress = &ip
		}
	}
	l.TimesUsed++

	return true, nil
}

func (s *memStore) DeleteMagicLink(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}
	delete(s.links, id)

	return nil
}

func (s *memStore) RecordLogin(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return s.fail
	}

	for i := range s.users {
		if s.users[i].ID == id {
			s.users[i].LastLoginAt = &at
			return nil
		}
	}

	return storage.ErrUserNotFound
}

func (s *memStore) removeUser(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.users {
		if u.Email == email {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return
		}
	}
}

func (s *memStore) bind(id, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[id].IPAddress = &ip
}

func (s *memStore) DeleteStaleMagicLinks(_ context.Context, before time.Time, allowedUses int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return 0, s.fail
	}

	var deleted int64
	for id, l := range s.links {
		if l.Expiry.Before(before) || l.TimesUsed >= allowedUses {
			delete(s.links, id)
			deleted++
		}
	}

	return deleted, nil
}

type outbox struct {
	mu   sync.Mutex
	msgs []models.Message
	err  error
}

func (o *outbox) SendMessage(_ context.Context, msg models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return o.err
	}
	o.msgs = append(o.msgs, msg)

	return nil
}

func (o *outbox) sent() []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Message(nil), o.msgs...)
}

type sessionRecorder struct {
	calls atomic.Int32
}

func (s *sessionRecorder) Establish(_ context.Context, user models.User) (models.Session, error) {
	n := s.calls.Add(1)
	return models.Session{
		Token:  fmt.Sprintf("session-%d-%d", user.ID, n),
		UserID: user.ID,
	}, nil
}

// denyLimiter rejects every request until open is set.
type denyLimiter struct {
	calls atomic.Int32
	open  atomic.Bool
}

func (d *denyLimiter) Allow(context.Context, string) (bool, error) {
	d.calls.Add(1)
	return d.open.Load(), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type suite struct {
	logs     *bytes.Buffer
	auth     *auth.Auth
	store    *memStore
	outbox   *outbox
	sessions *sessionRecorder
	clock    *clock
}

func newSuite(t *testing.T, cfg auth.Config, limiter auth.Limiter) *suite {
	t.Helper()

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}

	s := &suite{
		logs:     &bytes.Buffer{},
		store:    newMemStore(),
		outbox:   &outbox{},
		sessions: &sessionRecorder{},
		clock:    newClock(),
	}

	deps := auth.Deps{
		Users:    s.store,
		Signup:   s.store,
		Links:    s.store,
		Limiter:  limiter,
		Notifier: s.outbox,
		Sessions: s.sessions,
		Clock:    s.clock.Now,
	}
	s.auth = auth.New(slog.New(slog.NewTextHandler(s.logs, nil)), cfg, deps)

	return s
}

func browser(cookie string, ip string) models.Client {
	return models.Client{
		IP:      ip,
		Cookies: map[string]string{auth.DefaultCookieName: cookie},
	}
}
