package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/tavstaldev/rebus-core/internal/auth"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/config"
)

// runToken implements "rebusd token": it signs an operator token with the
// configured secret and prints it to out.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "operator", "token subject, usually the operator's name")
	role := fs.String("role", string(auth.RoleOperator), "viewer or operator")
	ttl := fs.Duration("ttl", 0, "token lifetime (default security.jwt.access_token_ttl minutes)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *ttl == 0 {
		*ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}

	token, err := auth.GenerateToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Fprintln(out, token)
	return nil
}
