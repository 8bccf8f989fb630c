package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ropnet/internal/node"
	"github.com/danmuck/ropnet/internal/transceiver"
)

type fileConfig struct {
	ID          string    `toml:"id"`
	Listen      string    `toml:"listen"`
	Remote      string    `toml:"remote"`
	Period      string    `toml:"period"`
	Heartbeat   string    `toml:"heartbeat"`
	Catalog     string    `toml:"catalog"`
	AdminAddr   string    `toml:"admin_addr"`
	AdminToken  string    `toml:"admin_token"`
	CorsOrigins []string  `toml:"cors_origins"`
	Sizes       fileSizes `toml:"sizes"`
}

type fileSizes struct {
	Packet         int `toml:"packet"`
	ROP            int `toml:"rop"`
	Regulars       int `toml:"regulars"`
	Occasionals    int `toml:"occasionals"`
	Replies        int `toml:"replies"`
	MaxRegularROPs int `toml:"max_regular_rops"`
}

func loadNodeConfig(path string) (node.Config, error) {
	cfg := node.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.Config{}, fmt.Errorf("load node config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("remote") {
		cfg.Remote = strings.TrimSpace(raw.Remote)
	}
	if meta.IsDefined("period") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Period))
		if err != nil {
			return node.Config{}, fmt.Errorf("parse period: %w", err)
		}
		cfg.Period = d
	}
	if meta.IsDefined("heartbeat") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return node.Config{}, fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if meta.IsDefined("catalog") {
		cfg.CatalogPath = strings.TrimSpace(raw.Catalog)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}

	if meta.IsDefined("sizes", "packet") {
		cfg.Sizes.PacketCapacity = raw.Sizes.Packet
	}
	if meta.IsDefined("sizes", "rop") {
		cfg.Sizes.ROPCapacity = raw.Sizes.ROP
	}
	if meta.IsDefined("sizes", "regulars") {
		cfg.Sizes.RegularsCapacity = raw.Sizes.Regulars
	}
	if meta.IsDefined("sizes", "occasionals") {
		cfg.Sizes.OccasionalsCapacity = raw.Sizes.Occasionals
	}
	if meta.IsDefined("sizes", "replies") {
		cfg.Sizes.RepliesCapacity = raw.Sizes.Replies
	}
	if meta.IsDefined("sizes", "max_regular_rops") {
		cfg.Sizes.MaxRegularROPs = raw.Sizes.MaxRegularROPs
	}
	if err := transceiver.ValidateSizes(cfg.Sizes); err != nil {
		return node.Config{}, err
	}

	return cfg, nil
}
