package dbconfig

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds Postgres connection settings.
type Config struct {
	URL      string        `yaml:"url" env:"DATABASE_URL"`
	Host     string        `yaml:"host" env:"DB_HOST"`
	Port     int           `yaml:"port" env:"DB_PORT"`
	User     string        `yaml:"user" env:"DB_USER"`
	Password string        `yaml:"password" env:"DB_PASSWORD"`
	Database string        `yaml:"name" env:"DB_NAME"`
	SSLMode  string        `yaml:"sslmode" env:"DB_SSLMODE"`
	MaxConns int32         `yaml:"max_conns" env:"DB_MAX_CONNS"`
	Timeout  time.Duration `yaml:"connect_timeout" env:"DB_CONNECT_TIMEOUT"`
}

// Default returns the local development settings.
func Default() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "relay",
		SSLMode:  "disable",
		MaxConns: 10,
		Timeout:  5 * time.Second,
	}
}

// DSN returns the Postgres connection URL. DATABASE_URL wins over the
// individual DB_* fields when set.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}
