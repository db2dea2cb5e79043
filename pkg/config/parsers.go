package config

import (
	"flag"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg
// and returns the derived admin key set plus whether env vars were used.
//
// PORT, CLIENT_ORIGIN, JWT_SECRET and NODE_ENV are the plain deployment
// variables; everything else is namespaced under CHATRELAY_.
func LoadEnvOverrides(cfg *Config) (map[string]struct{}, bool) {
	envUsed := false
	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	if v := os.Getenv("CHATRELAY_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	} else {
		if host := os.Getenv("CHATRELAY_ADDRESS"); host != "" {
			envUsed = true
			cfg.Server.Address = host
		}
		if port := os.Getenv("PORT"); port != "" {
			envUsed = true
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}

	if v := os.Getenv("CHATRELAY_DB_PATH"); v != "" {
		envUsed = true
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		envUsed = true
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("CHATRELAY_TOKEN_TTL"); v != "" {
		if td, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && td > 0 {
			envUsed = true
			cfg.Security.TokenTTL = Duration(td)
		}
	}
	// CLIENT_ORIGIN is the single-origin deployment variable; the
	// namespaced list form wins when both are present.
	if v := os.Getenv("CLIENT_ORIGIN"); v != "" {
		envUsed = true
		cfg.Security.CORS.AllowedOrigins = []string{strings.TrimSpace(v)}
	}
	if v := os.Getenv("CHATRELAY_CORS_ORIGINS"); v != "" {
		envUsed = true
		cfg.Security.CORS.AllowedOrigins = parseList(v)
	}
	if v := os.Getenv("CHATRELAY_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("CHATRELAY_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Security.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("CHATRELAY_IP_WHITELIST"); v != "" {
		envUsed = true
		cfg.Security.IPWhitelist = parseList(v)
	}
	if v := os.Getenv("CHATRELAY_ADMIN_KEYS"); v != "" {
		envUsed = true
		cfg.Security.AdminKeys = parseList(v)
	}
	if c := os.Getenv("CHATRELAY_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("CHATRELAY_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}

	adminKeys := map[string]struct{}{}
	for _, k := range cfg.Security.AdminKeys {
		adminKeys[k] = struct{}{}
	}
	return adminKeys, envUsed
}

// DescribeSources names which configuration sources contributed to the
// effective config, for the startup banner.
func DescribeSources(setFlags map[string]bool, fileLoaded, envUsed bool) string {
	srcs := []string{}
	if len(setFlags) > 0 {
		srcs = append(srcs, "flags")
	}
	if fileLoaded {
		srcs = append(srcs, "config")
	}
	if envUsed {
		srcs = append(srcs, "env")
	}
	if len(srcs) == 0 {
		return "defaults"
	}
	return strings.Join(srcs, ",")
}
