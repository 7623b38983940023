package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// InitConfig writes a fresh default configuration to the default path and
// returns that path. Refuses to overwrite an existing file unless force is
// set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a fresh default configuration to path. The written
// config carries a generated session secret so workspace claiming works out
// of the box.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s", path)
	}

	cfg := GetDefaultConfig()
	secret, err := GenerateSessionSecret()
	if err != nil {
		return err
	}
	cfg.Session.Secret = secret

	return SaveConfig(cfg, path)
}

// GenerateSessionSecret returns 32 bytes of entropy as a hex string.
func GenerateSessionSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
