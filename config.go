package kiwibnc

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"git.sr.ht/~emersion/go-scfg"
)

// Config is the scfg-format server configuration named in SPEC_FULL.md
// §6's AMBIENT addition, mirroring the teacher's own config surface:
// listen addresses, persistence backend selection, log path, and
// registration-flood limits. It has no admin-bootstrap or TLS certificate
// settings.
//
// Grounded on the teacher's `Config` struct in server.go (Hostname, Title,
// LogPath, HTTPOrigins, MaxUserNetworks fields kept under the same names);
// the `git.sr.ht/~emersion/go-scfg` directive tree is new since the
// teacher's own config.go was not present in the retrieved snapshot, but
// scfg's `Block`/`Directive` shape is used the way every scfg-based
// sourcehut-ecosystem tool parses its config.
type Config struct {
	Hostname        string
	Title           string
	Listen          []string
	HTTPListen      []string
	HTTPOrigins     []string
	AcceptProxyIPs  []*net.IPNet
	LogPath         string
	Debug           bool
	MaxUserNetworks int

	DBDriver string
	DBSource string

	RegFloodRate  float64
	RegFloodBurst int
}

// defaultConfig matches the teacher's own NewServer defaults
// (Hostname "localhost", MaxUserNetworks -1 meaning unlimited).
func defaultConfig() *Config {
	return &Config{
		Hostname:        "localhost",
		MaxUserNetworks: -1,
		Listen:          []string{":6667"},
		DBDriver:        "sqlite3",
		DBSource:        "kiwibnc.db",
		RegFloodRate:    1,
		RegFloodBurst:   5,
	}
}

// LoadConfig parses an scfg-format file into a Config, starting from
// defaultConfig and overriding only the directives present.
func LoadConfig(r io.Reader) (*Config, error) {
	block, err := scfg.Load(r)
	if err != nil {
		return nil, fmt.Errorf("kiwibnc: failed to parse config: %w", err)
	}

	cfg := defaultConfig()
	cfg.Listen = nil

	for _, dir := range block {
		if err := applyDirective(cfg, dir); err != nil {
			return nil, fmt.Errorf("kiwibnc: config line %d: %w", dir.Line, err)
		}
	}

	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{":6667"}
	}

	return cfg, nil
}

func applyDirective(cfg *Config, dir *scfg.Directive) error {
	switch dir.Name {
	case "hostname":
		if len(dir.Params) != 1 {
			return fmt.Errorf("hostname expects exactly one argument")
		}
		cfg.Hostname = dir.Params[0]
	case "title":
		if len(dir.Params) != 1 {
			return fmt.Errorf("title expects exactly one argument")
		}
		cfg.Title = dir.Params[0]
	case "listen":
		if len(dir.Params) != 1 {
			return fmt.Errorf("listen expects exactly one argument")
		}
		cfg.Listen = append(cfg.Listen, dir.Params[0])
	case "http-listen":
		if len(dir.Params) != 1 {
			return fmt.Errorf("http-listen expects exactly one argument")
		}
		cfg.HTTPListen = append(cfg.HTTPListen, dir.Params[0])
	case "http-origin":
		cfg.HTTPOrigins = append(cfg.HTTPOrigins, dir.Params...)
	case "accept-proxy-ip":
		for _, p := range dir.Params {
			_, ipnet, err := net.ParseCIDR(p)
			if err != nil {
				return fmt.Errorf("invalid accept-proxy-ip %q: %w", p, err)
			}
			cfg.AcceptProxyIPs = append(cfg.AcceptProxyIPs, ipnet)
		}
	case "log-path":
		if len(dir.Params) != 1 {
			return fmt.Errorf("log-path expects exactly one argument")
		}
		cfg.LogPath = dir.Params[0]
	case "debug":
		cfg.Debug = true
	case "max-user-networks":
		if len(dir.Params) != 1 {
			return fmt.Errorf("max-user-networks expects exactly one argument")
		}
		n, err := strconv.Atoi(dir.Params[0])
		if err != nil {
			return fmt.Errorf("invalid max-user-networks: %w", err)
		}
		cfg.MaxUserNetworks = n
	case "db":
		if len(dir.Params) != 2 {
			return fmt.Errorf("db expects exactly two arguments: driver and source")
		}
		cfg.DBDriver = dir.Params[0]
		cfg.DBSource = dir.Params[1]
	case "reg-flood":
		if len(dir.Params) != 2 {
			return fmt.Errorf("reg-flood expects exactly two arguments: rate and burst")
		}
		rate, err := strconv.ParseFloat(dir.Params[0], 64)
		if err != nil {
			return fmt.Errorf("invalid reg-flood rate: %w", err)
		}
		burst, err := strconv.Atoi(dir.Params[1])
		if err != nil {
			return fmt.Errorf("invalid reg-flood burst: %w", err)
		}
		cfg.RegFloodRate = rate
		cfg.RegFloodBurst = burst
	default:
		return fmt.Errorf("unknown directive %q", dir.Name)
	}
	return nil
}
