package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^A-Z0-9]+`)

// envSecretSource resolves a webhook secret for a logical path (here, the
// inbound source name) from the environment, following the variable-naming
// convention WEBHOOK_SECRET_<SOURCE>. It satisfies hmacvalidator.SecretSource.
type envSecretSource struct{}

func (envSecretSource) GetSecret(_ context.Context, path string) ([]byte, error) {
	key := "WEBHOOK_SECRET_" + nonAlnum.ReplaceAllString(strings.ToUpper(path), "_")
	v := os.Getenv(key)
	if v == "" {
		return nil, fmt.Errorf("secrets: no secret configured for %q (expected env %s)", path, key)
	}
	return []byte(v), nil
}
