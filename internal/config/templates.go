package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "node":
		return nodeTemplate, nil
	case "catalog":
		return catalogTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `id = "ropnode"
listen = "0.0.0.0:12345"
remote = "10.0.1.200:12345"
period = "10ms"
heartbeat = "5s"
catalog = "cmd/ropnode/catalog.toml"
admin_addr = "127.0.0.1:9200"
cors_origins = ["http://localhost:3000"]

[sizes]
packet = 1024
rop = 256
regulars = 768
occasionals = 128
replies = 128
max_regular_rops = 32
`

const catalogTemplate = `[[variables]]
name = "board.status"
endpoint = 1
id = 0
size = 4
access = "r"
owner = "remote"

[[variables]]
name = "board.setpoint"
endpoint = 1
id = 1
size = 2
access = "rw"
owner = "remote"
initial = "0000"

[[variables]]
name = "host.heartbeat"
endpoint = 2
id = 0
size = 8
access = "r"
owner = "local"

[[regulars]]
opcode = "sig"
endpoint = 2
id = 0
plus_time = true
`
