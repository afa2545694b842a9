package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand replaces $VAR and ${VAR} tokens and a leading "~/" in p. Relative
// results stay relative.
func Expand(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p[1:], "/"))
	}
	return p, nil
}

// Resolve expands p and returns it as a cleaned absolute path.
func Resolve(p string) (string, error) {
	expanded, err := Expand(p)
	if err != nil || expanded == "" {
		return expanded, err
	}
	return filepath.Abs(expanded)
}
