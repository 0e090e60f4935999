// gentoken generates a random bearer token for the flowtrace hook bridge.
//
// Usage (run from the repo root):
//
//	go run scripts/gentoken/main.go
//
// Adds FLOWTRACE_HOOK_TOKEN to .env, creating the file if needed. The server
// loads .env on startup, so the host-side bridge and the server share the
// token without exporting it in the shell.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	envPath = ".env"
	envKey  = "FLOWTRACE_HOOK_TOKEN"
)

func main() {
	env, err := godotenv.Read(envPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "error: read %s: %v\n", envPath, err)
		os.Exit(1)
	}
	if env == nil {
		env = map[string]string{}
	}

	// Refuse to overwrite an existing token. Rotating it breaks every bridge
	// still configured with the old one.
	if env[envKey] != "" {
		fmt.Fprintf(os.Stderr, "error: %s already set in %s; remove it first to rotate\n", envKey, envPath)
		os.Exit(1)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate token: %v\n", err)
		os.Exit(1)
	}
	env[envKey] = hex.EncodeToString(buf)

	if err := godotenv.Write(env, envPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", envPath, err)
		os.Exit(1)
	}
	if err := os.Chmod(envPath, 0600); err != nil {
		fmt.Fprintf(os.Stderr, "error: chmod %s: %v\n", envPath, err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s to %s\n", envKey, envPath)
}
