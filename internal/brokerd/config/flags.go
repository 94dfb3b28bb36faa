package config

import (
	"flag"
	"os"
	"time"

	"github.com/disnet/flint-note-sync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   bind address for the HTTP endpoint
//	-d string   PostgreSQL DSN (empty keeps state in memory)
//	-q int      per-vault quota in bytes
//	-t int      credential lifetime in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-q", "-t"})

	fs := flag.NewFlagSet("brokerd", flag.ContinueOnError)

	fs.StringVar(&cfg.EndpointAddr, "a", cfg.EndpointAddr, "address and port to listen on")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "postgres dsn")
	fs.Int64Var(&cfg.QuotaLimitBytes, "q", cfg.QuotaLimitBytes, "per-vault quota in bytes")
	credentialTTL := fs.Int("t", int(cfg.CredentialTTL.Seconds()), "credential lifetime (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.CredentialTTL = time.Duration(*credentialTTL) * time.Second
}
