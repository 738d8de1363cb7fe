// Command admin-token mints a bearer token for the admin routes.
// The secret and issuer are read from BROADCASTER_AUTH_JWT_SECRET and
// BROADCASTER_AUTH_JWT_ISSUER.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chainsafe/shielded-broadcaster/pkg/auth"
)

func main() {
	subject := flag.String("subject", "operator", "Token subject")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	flag.Parse()

	v := auth.NewJWTValidator(os.Getenv("BROADCASTER_AUTH_JWT_SECRET"), os.Getenv("BROADCASTER_AUTH_JWT_ISSUER"))
	if !v.IsConfigured() {
		fmt.Fprintln(os.Stderr, "BROADCASTER_AUTH_JWT_SECRET is not set")
		os.Exit(1)
	}

	token, err := v.IssueToken(*subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
