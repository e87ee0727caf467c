package bot

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	defaultAttempts = 5
	maxAttempts     = 50
)

// ParseCountArg parses an optional positive count, capped at limit.
// An empty argument yields def.
func ParseCountArg(args string, def, limit int) (int, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.Fields(s)[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("count must be a positive number, got %q", s)
	}
	return min(n, limit), nil
}
