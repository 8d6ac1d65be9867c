package models

import "time"

type User struct {
	ID          int64      `json:"id"`
	Email       string     `json:"email"`
	Username    string     `json:"username,omitempty"`
	FirstName   string     `json:"first_name,omitempty"`
	LastName    string     `json:"last_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// HasLoggedIn reports whether the user ever completed a magic link verification.
func (u User) HasLoggedIn() bool {
	return u.LastLoginAt != nil
}

// SignupFields are the optional profile fields collected by the signup form.
type SignupFields struct {
	Username  string
	FirstName string
	LastName  string
}

// Client holds what is known about the requesting browser.
type Client struct {
	IP        string
	UserAgent string
	// Cookies maps cookie names to values as sent by the browser.
	Cookies map[string]string
}

// Cookie returns the named cookie value or an empty string.
func (c Client) Cookie(name string) string {
	if c.Cookies == nil {
		return ""
	}
	return c.Cookies[name]
}

type Message struct {
	Email   string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
	Link    string `json:"link"`
	Purpose string `json:"purpose"`
}

type Session struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
}

type State int

const (
	StatePending State = iota
	StateConsumed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConsumed:
		return "consumed"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

type MagicLink struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Token       string    `json:"-"`
	CookieValue string    `json:"-"`
	IPAddress   *string   `json:"ip_address,omitempty"`
	RedirectURL string    `json:"redirect_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Expiry      time.Time `json:"expiry"`
	TimesUsed   int       `json:"times_used"`
}

// * IsExpired reports whether now is past the link expiry. A link is still valid at exactly Expiry.
func (m *MagicLink) IsExpired(now time.Time) bool {
	return now.After(m.Expiry)
}

// * IsUsedUp reports whether the link was consumed allowedUses times.
func (m *MagicLink) IsUsedUp(allowedUses int) bool {
	return m.TimesUsed >= allowedUses
}

// * State returns the lifecycle state; both terminal states are absorbing, consumption wins over expiry.
func (m *MagicLink) State(now time.Time, allowedUses int) State {
	switch {
	case m.IsUsedUp(allowedUses):
		return StateConsumed
	case m.IsExpired(now):
		return StateExpired
	default:
		return StatePending
	}
}

// * IsActive reports whether the link can still be consumed.
func (m *MagicLink) IsActive(now time.Time, allowedUses int) bool {
	return m.State(now, allowedUses) == StatePending
}
