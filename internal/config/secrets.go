// file: internal/config/secrets.go
package config

import (
	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/logging"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "EmailSignIn"    // Service name for keyring.
	keyringUser    = "ProviderAPIKey" // User/Account name for keyring entry.
)

// resolveAPIKey fills an empty provider API key from the OS keyring.
func resolveAPIKey(cfg *Config, logger logging.Logger) error {
	if cfg.Provider.APIKey != "" {
		return nil
	}
	key, err := LoadAPIKey(logger)
	if err != nil {
		return err
	}
	if key != "" {
		logger.Debug("Provider API key source determined.", "source", "system keyring")
		cfg.Provider.APIKey = key
	}
	return nil
}

// LoadAPIKey reads the API key from the OS keyring. A missing entry is not
// an error and yields "".
func LoadAPIKey(logger logging.Logger) (string, error) {
	logger = logging.OrNoop(logger)
	key, err := keyring.Get(keyringService, keyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			logger.Debug("No provider API key found in system keyring.")
			return "", nil
		}
		return "", errors.Wrap(err, "failed to load API key from system keyring")
	}
	return key, nil
}

// StoreAPIKey saves the API key in the OS keyring.
func StoreAPIKey(key string, logger logging.Logger) error {
	logger = logging.OrNoop(logger)
	if key == "" {
		return errors.New("cannot save empty API key to keyring")
	}
	if err := keyring.Set(keyringService, keyringUser, key); err != nil {
		logger.Warn("Potential macOS Keychain issues: Check Keychain Access permissions, ensure 'login' keychain is unlocked.")
		return errors.Wrap(err, "failed to save API key to system keyring")
	}
	logger.Info("Provider API key saved to system keyring.")
	return nil
}

// DeleteAPIKey removes the API key from the OS keyring.
func DeleteAPIKey(logger logging.Logger) error {
	logger = logging.OrNoop(logger)
	if err := keyring.Delete(keyringService, keyringUser); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to delete API key from system keyring")
	}
	logger.Info("Provider API key deleted from system keyring.")
	return nil
}
