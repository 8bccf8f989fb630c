package config

import (
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
	"time"
)

var ErrInvalidNode = errors.New("invalid node config")

// NodeConfig mirrors the node file for offline validation. Runtime defaults
// are applied by the ropnode binary.
type NodeConfig struct {
	ID          string     `toml:"id"`
	Listen      string     `toml:"listen"`
	Remote      string     `toml:"remote"`
	Period      string     `toml:"period"`
	Heartbeat   string     `toml:"heartbeat"`
	Catalog     string     `toml:"catalog"`
	AdminAddr   string     `toml:"admin_addr"`
	AdminToken  string     `toml:"admin_token"`
	CorsOrigins []string   `toml:"cors_origins"`
	Sizes       SizeConfig `toml:"sizes"`
}

type SizeConfig struct {
	Packet         int `toml:"packet"`
	ROP            int `toml:"rop"`
	Regulars       int `toml:"regulars"`
	Occasionals    int `toml:"occasionals"`
	Replies        int `toml:"replies"`
	MaxRegularROPs int `toml:"max_regular_rops"`
}

// LoadNodeConfig decodes a node file and checks the fields that can be
// checked without binding sockets. A catalog that does not load as given is
// retried next to the node file.
func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if err := ValidateNode(cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("node %s: %w", path, err)
	}
	if catalog := strings.TrimSpace(cfg.Catalog); catalog != "" {
		if _, err := LoadCatalog(catalog); err != nil {
			alt := filepath.Join(filepath.Dir(path), filepath.Base(catalog))
			if _, altErr := LoadCatalog(alt); altErr != nil {
				return NodeConfig{}, err
			}
		}
	}
	return cfg, nil
}

func ValidateNode(cfg NodeConfig) error {
	for _, addr := range []struct{ key, value string }{
		{"listen", cfg.Listen},
		{"remote", cfg.Remote},
		{"admin_addr", cfg.AdminAddr},
	} {
		v := strings.TrimSpace(addr.value)
		if v == "" {
			continue
		}
		if _, err := netip.ParseAddrPort(v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidNode, addr.key, err)
		}
	}
	for _, d := range []struct{ key, value string }{
		{"period", cfg.Period},
		{"heartbeat", cfg.Heartbeat},
	} {
		v := strings.TrimSpace(d.value)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidNode, d.key, err)
		}
		if parsed <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidNode, d.key)
		}
	}
	s := cfg.Sizes
	for _, n := range []struct {
		key   string
		value int
	}{
		{"packet", s.Packet},
		{"rop", s.ROP},
		{"regulars", s.Regulars},
		{"occasionals", s.Occasionals},
		{"replies", s.Replies},
		{"max_regular_rops", s.MaxRegularROPs},
	} {
		if n.value < 0 {
			return fmt.Errorf("%w: sizes.%s is negative", ErrInvalidNode, n.key)
		}
	}
	return nil
}
