package token

import (
	"fmt"
	"time"

	"github.com/giantswarm/oauth-tokens/oautherr"
)

// Default token lifetimes.
const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 30 * 24 * time.Hour
)

// Config configures an Issuer.
type Config struct {
	// Issuer is the iss claim written to and required on access tokens.
	Issuer string

	// Audience is the aud claim written to and required on access tokens.
	Audience string

	// AccessTTL is the default access token lifetime (default: 15 minutes)
	AccessTTL time.Duration

	// RefreshTTL is the refresh token lifetime (default: 30 days)
	RefreshTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = DefaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = DefaultRefreshTTL
	}
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("%w: issuer is required", oautherr.ErrInvalidParameter)
	}
	if c.Audience == "" {
		return fmt.Errorf("%w: audience is required", oautherr.ErrInvalidParameter)
	}
	return nil
}
