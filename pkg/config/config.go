package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Mpesa        MpesaConfig
	Poller       PollerConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CHAKULA_APP_ENV" required:"true"`
	Port         string `envconfig:"CHAKULA_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"CHAKULA_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CHAKULA_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"CHAKULA_DB_DSN"`
	Driver string `envconfig:"CHAKULA_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"CHAKULA_DB_HOST"`
	Port     int    `envconfig:"CHAKULA_DB_PORT" default:"5432"`
	User     string `envconfig:"CHAKULA_DB_USER"`
	Password string `envconfig:"CHAKULA_DB_PASSWORD"`
	Name     string `envconfig:"CHAKULA_DB_NAME"`
	SSLMode  string `envconfig:"CHAKULA_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CHAKULA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CHAKULA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CHAKULA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CHAKULA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CHAKULA_REDIS_URL"`
	Address      string        `envconfig:"CHAKULA_REDIS_ADDR"`
	Password     string        `envconfig:"CHAKULA_REDIS_PASSWORD"`
	DB           int           `envconfig:"CHAKULA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CHAKULA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CHAKULA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CHAKULA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CHAKULA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CHAKULA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// MpesaConfig carries the Daraja API credentials and knobs.
type MpesaConfig struct {
	BaseURL        string        `envconfig:"CHAKULA_MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	ConsumerKey    string        `envconfig:"CHAKULA_MPESA_CONSUMER_KEY" required:"true"`
	ConsumerSecret string        `envconfig:"CHAKULA_MPESA_CONSUMER_SECRET" required:"true"`
	Shortcode      string        `envconfig:"CHAKULA_MPESA_SHORTCODE" required:"true"`
	Passkey        string        `envconfig:"CHAKULA_MPESA_PASSKEY" required:"true"`
	CallbackURL    string        `envconfig:"CHAKULA_MPESA_CALLBACK_URL" required:"true"`
	CountryCode    string        `envconfig:"CHAKULA_MPESA_COUNTRY_CODE" default:"254"`
	HTTPTimeout    time.Duration `envconfig:"CHAKULA_MPESA_HTTP_TIMEOUT" default:"30s"`
	MaxRetries     int           `envconfig:"CHAKULA_MPESA_MAX_RETRIES" default:"3"`
	TokenMargin    time.Duration `envconfig:"CHAKULA_MPESA_TOKEN_MARGIN" default:"5m"`
}

// PollerConfig bounds the status polling loop.
type PollerConfig struct {
	Interval time.Duration `envconfig:"CHAKULA_POLL_INTERVAL" default:"3s"`
	Window   time.Duration `envconfig:"CHAKULA_POLL_WINDOW" default:"2m"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"CHAKULA_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"CHAKULA_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range requiredDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
