package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/ropnet/internal/node"
	"github.com/danmuck/ropnet/internal/observability"
)

func main() {
	path := flag.String("config", "cmd/ropnode/config.toml", "node config path")
	flag.Parse()

	cfg, err := loadNodeConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ropnode: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger("ropnode", cfg.ID)

	if err := node.NewService(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ropnode: %v\n", err)
		os.Exit(1)
	}
}
