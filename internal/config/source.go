package config

import (
	"github.com/caarlos0/env/v11"
)

// ConnStringSource supplies the fallback database connection string consulted
// when the caller passes neither a pool nor an explicit string. An empty
// result means no fallback is available.
type ConnStringSource interface {
	ConnectionString() string
}

// EnvConnString reads DATABASE_URL from the process environment at call time.
type EnvConnString struct{}

type databaseURL struct {
	URL string `env:"DATABASE_URL"`
}

// ConnectionString implements ConnStringSource.
func (EnvConnString) ConnectionString() string {
	v, err := env.ParseAs[databaseURL]()
	if err != nil {
		return ""
	}
	return v.URL
}

// StaticConnString is a fixed ConnStringSource, mainly for tests.
type StaticConnString string

// ConnectionString implements ConnStringSource.
func (s StaticConnString) ConnectionString() string { return string(s) }
