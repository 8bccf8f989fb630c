package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/ropnet/internal/rop"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidCatalog = errors.New("invalid variable catalog")

// CatalogConfig declares the network variables a node hosts and the regular
// operations it sends every cycle.
type CatalogConfig struct {
	Variables []VariableConfig `toml:"variables"`
	Regulars  []RegularConfig  `toml:"regulars"`
}

type VariableConfig struct {
	Name     string `toml:"name"`
	Endpoint uint16 `toml:"endpoint"`
	ID       uint32 `toml:"id"`
	Size     int    `toml:"size"`
	Access   string `toml:"access"`
	Owner    string `toml:"owner"`
	Initial  string `toml:"initial"`
}

type RegularConfig struct {
	Opcode   string  `toml:"opcode"`
	Endpoint uint16  `toml:"endpoint"`
	ID       uint32  `toml:"id"`
	Sign     *uint32 `toml:"sign"`
	PlusTime bool    `toml:"plus_time"`
}

func LoadCatalog(path string) (CatalogConfig, error) {
	var cfg CatalogConfig
	if err := loadToml(path, &cfg); err != nil {
		return CatalogConfig{}, err
	}
	if err := ValidateCatalog(cfg); err != nil {
		return CatalogConfig{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cfg, nil
}

// ParseCatalog decodes and validates catalog TOML held in memory.
func ParseCatalog(data []byte) (CatalogConfig, error) {
	var cfg CatalogConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return CatalogConfig{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := ValidateCatalog(cfg); err != nil {
		return CatalogConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateCatalog(cfg CatalogConfig) error {
	seen := make(map[rop.Address]int, len(cfg.Variables))
	for i, v := range cfg.Variables {
		if err := ValidateVariable(v); err != nil {
			return fmt.Errorf("%w: variables[%d]: %w", ErrInvalidCatalog, i, err)
		}
		addr := rop.Address{Endpoint: v.Endpoint, ID: v.ID}
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("%w: variables[%d]: address %s already used by variables[%d]", ErrInvalidCatalog, i, addr, prev)
		}
		seen[addr] = i
	}
	for i, r := range cfg.Regulars {
		opcode, err := rop.ParseOpcode(r.Opcode)
		if err != nil {
			return fmt.Errorf("%w: regulars[%d]: %w", ErrInvalidCatalog, i, err)
		}
		addr := rop.Address{Endpoint: r.Endpoint, ID: r.ID}
		if _, ok := seen[addr]; !ok && opcode.CarriesData() {
			return fmt.Errorf("%w: regulars[%d]: %s %s has no variable to read", ErrInvalidCatalog, i, opcode, addr)
		}
	}
	return nil
}

func ValidateVariable(v VariableConfig) error {
	if v.Size <= 0 || v.Size > rop.MaxDataSize {
		return fmt.Errorf("size %d out of range 1..%d", v.Size, rop.MaxDataSize)
	}
	if _, err := parseAccess(v.Access); err != nil {
		return err
	}
	if _, err := parseOwner(v.Owner); err != nil {
		return err
	}
	initial, err := hex.DecodeString(strings.TrimSpace(v.Initial))
	if err != nil {
		return fmt.Errorf("initial value is not hex: %w", err)
	}
	if len(initial) > v.Size {
		return fmt.Errorf("initial value has %d bytes, size is %d", len(initial), v.Size)
	}
	return nil
}
