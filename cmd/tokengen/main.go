// Command tokengen prints a caller token signed with JWT_SIGNING_KEY, for
// exercising a local server with curl.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	jwttoken "carbonledger/internal/jwt_token"
	"carbonledger/internal/platform/config"
	id "carbonledger/pkg/domain"
)

func main() {
	sub := flag.String("sub", "", "caller identity to embed as the token subject")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	caller, err := id.ParseAddress(*sub)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(2)
	}

	// ORACLE_INITIALIZER is irrelevant here; only the signing key is read.
	if os.Getenv("ORACLE_INITIALIZER") == "" {
		_ = os.Setenv("ORACLE_INITIALIZER", "unused")
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}

	token, err := jwttoken.NewJWTService(cfg.Server.JWTSigningKey).GenerateAccessToken(caller, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tokengen:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
