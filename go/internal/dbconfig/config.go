// Package dbconfig builds Postgres connection strings for the session record
// store from the environment.
package dbconfig

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Component names reported to Postgres as application_name
const (
	AppServer  = "megillah-live"
	AppReader  = "megillah-reader"
	AppMigrate = "megillah-migrate"
)

// Config holds Postgres connection settings. URL, when set, replaces the
// individual fields.
type Config struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	ApplicationName string
	ConnectTimeout  time.Duration
	// MaxConns caps the pgx pool; lib/pq ignores it
	MaxConns int
}

// NewConfigFromEnv reads DATABASE_URL or the DB_* variables. app names the
// connecting component in pg_stat_activity.
func NewConfigFromEnv(app string) Config {
	return Config{
		URL:             os.Getenv("DATABASE_URL"),
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "postgres"),
		Password:        getEnv("DB_PASSWORD", "postgres"),
		Database:        getEnv("DB_NAME", "megillah"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		ApplicationName: app,
		ConnectTimeout:  time.Duration(getEnvAsInt("DB_CONNECT_TIMEOUT", 5)) * time.Second,
		MaxConns:        getEnvAsInt("DB_MAX_CONNS", 0),
	}
}

// DSN returns a connection URL both lib/pq and pgx accept
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}

	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.ApplicationName != "" {
		q.Set("application_name", c.ApplicationName)
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(c.ConnectTimeout/time.Second)))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// PoolDSN is DSN with the pgxpool size added. lib/pq would pass the pool
// setting to the server as a runtime parameter, so it only goes here.
func (c Config) PoolDSN() string {
	dsn := c.DSN()
	if c.MaxConns <= 0 {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	q := u.Query()
	if q.Get("pool_max_conns") == "" {
		q.Set("pool_max_conns", strconv.Itoa(c.MaxConns))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Target describes the database for logs without the password
func (c Config) Target() string {
	u, err := url.Parse(c.DSN())
	if err != nil {
		return "unparseable DATABASE_URL"
	}
	return u.Redacted()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}
