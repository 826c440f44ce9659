package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassword is swapped in tests.
var readPassword = func() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no session cookie: pass --auth or set REPLIT_SID")
	}

	fmt.Fprint(os.Stderr, "Replit session cookie (connect.sid): ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read session cookie: %w", err)
	}
	return string(secret), nil
}

// resolveSessionID picks the session cookie from the flag, then the
// environment, then an interactive prompt with echo disabled.
func resolveSessionID(flagValue, envValue string) (string, error) {
	for _, candidate := range []string{flagValue, envValue} {
		if sid := strings.TrimSpace(candidate); sid != "" {
			return sid, nil
		}
	}

	sid, err := readPassword()
	if err != nil {
		return "", err
	}
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return "", errors.New("no session cookie entered")
	}
	return sid, nil
}
