package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var ErrCommand = errors.New("session command failed")

// Command runs an external login helper that prints a JSON object of cookie
// name to value on stdout.
type Command struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c Command) Cookies(ctx context.Context) (map[string]string, error) {
	if c.Command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrCommand)
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v; stderr=%s", ErrCommand, err, strings.TrimSpace(stderr.String()))
	}
	cookies, err := ParseCookies(string(out))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCommand, err)
	}
	return cookies, nil
}

// ParseCookies accepts either a JSON object or a Cookie header value
// ("a=1; b=2").
func ParseCookies(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]string{}, nil
	}
	if strings.HasPrefix(s, "{") {
		var m map[string]string
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("invalid cookie json: %w", err)
		}
		return m, nil
	}
	m := map[string]string{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid cookie pair %q", part)
		}
		m[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return m, nil
}
