package app

import (
	"fmt"
	"strings"

	"github.com/charlesng35/otpguard/pkg/crypto"
)

const tokenSecretBytes = 48

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.Token.Secret) == "" {
		secret, err := crypto.GenerateToken(tokenSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		cfg.Auth.Token.Secret = secret
		generated["auth.token.secret"] = true
	}

	return generated, nil
}
