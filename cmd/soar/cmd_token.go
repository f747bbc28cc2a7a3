package main

// ---------------------------------------------------------------------------
// cmd_token.go — issue an operator JWT signed with server.jwt_secret
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/bytefense/soar/internal/api"
	"github.com/bytefense/soar/internal/core"
)

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	subject := fs.String("subject", "", "Operator name recorded in the token (default: $USER)")
	ttl := fs.Duration("ttl", 12*time.Hour, "Token lifetime")
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}
	if cfg.Server.JWTSecret == "" {
		errorf("server.jwt_secret is not set (or set SOAR_JWT_SECRET)")
	}
	sub := *subject
	if sub == "" {
		sub = os.Getenv("USER")
	}
	if sub == "" {
		sub = "operator"
	}

	tok, err := api.IssueToken(cfg.Server.JWTSecret, cfg.Server.JWTIssuer, sub, *ttl)
	if err != nil {
		errorf("signing token: %v", err)
	}
	fmt.Fprintln(os.Stdout, tok)
	fmt.Fprintf(os.Stderr, "%s\n", dim(fmt.Sprintf("subject=%s expires=%s", sub, time.Now().Add(*ttl).Format(time.RFC3339))))
}
