package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	RateLimitOutstanding = "outstanding"
	RateLimitWindow      = "window"

	IPBindingOff      = "off"
	IPBindingIssuance = "issuance"
	IPBindingFirstUse = "first_use"

	NotifierRabbitMQ = "rabbitmq"
	NotifierSMTP     = "smtp"
)

type Config struct {
	Env        string `yaml:"env" env:"ENV" env-default:"local"`
	MagicLink  `yaml:"magic_link"`
	RateLimit  `yaml:"rate_limit"`
	Session    `yaml:"session"`
	Notifier   string `yaml:"notifier" env:"NOTIFIER" env-default:"rabbitmq"`
	RabbitMQ   `yaml:"rabbitmq"`
	SMTP       `yaml:"smtp"`
	Postgres   `yaml:"postgres"`
	Redis      `yaml:"redis"`
	HTTPServer `yaml:"http_server"`
}

type HTTPServer struct {
	Address     string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"postgres"`
	Port     int    `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-required:"true"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-required:"true"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-required:"true"`
	SSLMode  string `yaml:"sslmode" env-default:"disable"`
}

type Redis struct {
	Address  string `yaml:"address" env:"REDIS_ADDRESS"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env-default:"0"`
}

type RabbitMQ struct {
	URL       string `yaml:"url" env:"RABBITMQ_URL"`
	QueueName string `yaml:"queue_name" env-default:"magiclink_emails"`
}

type SMTP struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"SMTP_USERNAME"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from" env:"SMTP_FROM"`
}

type Session struct {
	Secret     string        `yaml:"secret" env:"SESSION_SECRET" env-required:"true"`
	TTL        time.Duration `yaml:"ttl" env-default:"336h"`
	CookieName string        `yaml:"cookie_name" env-default:"session"`
	Secure     bool          `yaml:"secure_cookie" env-default:"false"`
}

// MagicLink holds every option recognized by the issuance and verification flow.
// Switches without env-default are seeded in MustLoad, see defaultMagicLink.
type MagicLink struct {
	BaseURL            string        `yaml:"base_url" env:"MAGICLINK_BASE_URL" env-default:"http://localhost:8080"`
	VerifyPath         string        `yaml:"verify_path" env-default:"/login/verify"`
	TokenTTL           time.Duration `yaml:"token_ttl" env-default:"5m"`
	TokenBytes         int           `yaml:"token_bytes" env-default:"32"`
	AllowedUses        int           `yaml:"allowed_uses" env-default:"1"`
	RequireSameBrowser bool          `yaml:"require_same_browser" env:"MAGICLINK_REQUIRE_SAME_BROWSER"`
	RequireSameIP      bool          `yaml:"require_same_ip" env:"MAGICLINK_REQUIRE_SAME_IP"`
	IPBinding          string        `yaml:"ip_binding" env-default:"issuance"`
	AnonymizeIP        bool          `yaml:"anonymize_ip" env-default:"false"`
	EmailIgnoreCase    bool          `yaml:"email_ignore_case" env:"MAGICLINK_EMAIL_IGNORE_CASE"`
	RequireSignup      bool          `yaml:"require_signup" env:"MAGICLINK_REQUIRE_SIGNUP"`
	VerifyIncludeEmail bool          `yaml:"verify_include_email" env:"MAGICLINK_VERIFY_INCLUDE_EMAIL"`
	CookieName         string        `yaml:"cookie_name" env-default:"magiclink"`
	EmailSubject       string        `yaml:"email_subject" env-default:"Your login magic link"`
	StoreTimeout       time.Duration `yaml:"store_timeout" env-default:"3s"`
	LoginSentURL       string        `yaml:"login_sent_url" env-default:"/login/sent"`
	LoginRedirectURL   string        `yaml:"login_redirect_url" env-default:"/"`
	LogoutRedirectURL  string        `yaml:"logout_redirect_url" env-default:"/"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval" env-default:"0"`
}

type RateLimit struct {
	Policy         string        `yaml:"policy" env-default:"outstanding"`
	MaxOutstanding int           `yaml:"max_outstanding" env:"RATE_LIMIT_MAX_OUTSTANDING" env-default:"1"`
	Window         time.Duration `yaml:"window" env-default:"30s"`
	RedisMax       int           `yaml:"redis_max" env-default:"0"`
	RedisWindow    time.Duration `yaml:"redis_window" env-default:"1h"`
}

// MustLoad reads the config file given by --config or CONFIG_PATH, falling back to fallbackPath.
func MustLoad(fallbackPath string) *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		configPath = fallbackPath
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("Config file does not exist: " + configPath)
	}

	// env-default only fills zero values, which would turn a yaml false back into true.
	cfg := Config{MagicLink: defaultMagicLink()}

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("Failed to read config: " + err.Error())
	}

	return &cfg
}

func defaultMagicLink() MagicLink {
	return MagicLink{
		RequireSameBrowser: true,
		RequireSameIP:      true,
		EmailIgnoreCase:    true,
		RequireSignup:      true,
		VerifyIncludeEmail: true,
	}
}

// * fetchConfigPath priority: flag > env.
func fetchConfigPath() string {
	var res string

	if f := flag.Lookup("config"); f != nil {
		res = f.Value.String()
	} else {
		flag.StringVar(&res, "config", "", "path to config file")
		flag.Parse()
	}

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
