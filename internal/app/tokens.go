package app

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envTokenSource treats a non-empty environment variable as a valid
// credential. Real carrier integrations plug in their own token source;
// this one covers API-key style carriers where the key either exists
// or it does not.
type envTokenSource struct {
	carrier string
	envVar  string
}

func (s *envTokenSource) EnsureValidToken(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(os.Getenv(s.envVar)) == "" {
		return false, fmt.Errorf("%s: credential env %s is empty", s.carrier, s.envVar)
	}
	return true, nil
}
