package banner

import (
	"fmt"

	"chatrelay/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗    ██████╗ ███████╗██╗      █████╗ ██╗   ██╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝    ██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
██║     ███████║███████║   ██║       ██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██║     ██╔══██║██╔══██║   ██║       ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
╚██████╗██║  ██║██║  ██║   ██║       ██║  ██║███████╗███████╗██║  ██║   ██║
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝       ╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝
`

// Print writes the startup banner with the effective listen address, store
// path, config sources and a few production readiness checks.
func Print(cfg *config.Config, addr, dbPath, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("WS   /ws?token=<jwt> - Live relay (sendMessage, editMessage, deleteMessage, toggleReaction, replyToMessage)")
	fmt.Println("GET  /api/messages?limit=<n>&before=<id> - Message history (JSON response)")
	fmt.Println("GET  /api/status - Liveness probe")

	fmt.Println("\n== Examples ===================================================")
	fmt.Println("wscat -c 'ws://<host>:<port>/ws?token=<jwt>'")
	fmt.Println("curl 'http://<host>:<port>/api/messages?limit=10' -H 'Authorization: Bearer <jwt>'")

	fmt.Println("\n== Production? =================================================")
	if cfg == nil {
		fmt.Println("- No config loaded; running on defaults")
		fmt.Println("\n== Logs: =================================================")
		return
	}

	if cfg.Security.JWTSecret != "" {
		fmt.Println("- JWT secret: OK")
	} else {
		fmt.Println("- JWT secret: MISSING (required to sign connection tokens; set JWT_SECRET)")
	}

	if n := len(cfg.Security.AdminKeys); n > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", n)
	} else {
		fmt.Println("- Admin API keys: none (stats and retention endpoints unavailable)")
	}

	if n := len(cfg.Security.CORS.AllowedOrigins); n > 0 {
		fmt.Printf("- CORS: %d allowed origin(s)\n", n)
	} else {
		fmt.Println("- CORS: all origins (development only; set CLIENT_ORIGIN)")
	}

	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}

	if cfg.Retention.Enabled {
		info := ""
		if cfg.Retention.Cron != "" {
			info = "cron=" + cfg.Retention.Cron
		} else if cfg.Retention.Period != "" {
			info = "period=" + cfg.Retention.Period
		}
		if info != "" {
			fmt.Printf("- Retention: enabled (%s)\n", info)
		} else {
			fmt.Println("- Retention: enabled")
		}
	} else {
		fmt.Println("- Retention: disabled (deleted messages are kept as tombstones)")
	}

	fmt.Println("\n== Logs: =================================================")
}
