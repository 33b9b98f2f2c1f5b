package app

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"bankline/cmd/security/seal"
)

const minPassphraseBytes = 12

// ValidateSecurityConfig enforces the client's transport and at-rest policy at
// startup and returns the sealing parameters for the file backend.
//
// Credentials travel as bearer tokens and, on the channel, in the query
// string, so plaintext transport is refused for anything but loopback unless
// explicitly allowed.
func ValidateSecurityConfig(cfg Config) (seal.Config, error) {
	var errs []error

	if !cfg.AllowInsecure {
		if err := requireSecure("api url", cfg.APIBaseURL, "https"); err != nil {
			errs = append(errs, err)
		}
		if err := requireSecure("ws url", cfg.WSURL, "wss", "https"); err != nil {
			errs = append(errs, err)
		}
	}

	sealCfg := seal.DefaultConfig()
	if cfg.CredentialBackend == BackendFile {
		// Bytes, not runes: the passphrase feeds the KDF as raw bytes.
		if len(cfg.CredentialPassphrase) < minPassphraseBytes {
			errs = append(errs, fmt.Errorf("security policy: BANKLINE_CREDENTIAL_PASSPHRASE is too short (min %d bytes)", minPassphraseBytes))
		}
		c, err := seal.FromEnv()
		if err != nil {
			errs = append(errs, fmt.Errorf("security policy: %w", err))
		} else {
			sealCfg = c
		}
	}

	if err := errors.Join(errs...); err != nil {
		return seal.Config{}, err
	}
	return sealCfg, nil
}

func requireSecure(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("security policy: %s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	if isLoopback(u.Hostname()) {
		return nil
	}
	return fmt.Errorf("security policy: %s %q is not encrypted (set BANKLINE_ALLOW_INSECURE=true to override)", name, raw)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
