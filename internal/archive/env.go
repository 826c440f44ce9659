package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DenyList holds the platform-injected variables that never reach a
// project's .env file.
var DenyList = map[string]struct{}{
	"PATH":                           {},
	"REQUESTS_CA_BUNDLE":             {},
	"SSL_CERT_FILE":                  {},
	"XDG_CACHE_HOME":                 {},
	"XDG_CONFIG_HOME":                {},
	"XDG_DATA_HOME":                  {},
	"__EGL_VENDOR_LIBRARY_FILENAMES": {},
	"REPLIT_CLI":                     {},
	"REPLIT_BASHRC":                  {},
	"NODE_EXTRA_CA_CERTS":            {},
	"NIX_PATH":                       {},
	"NIX_PROFILES":                   {},
	"NIXPKGS_ALLOW_UNFREE":           {},
	"LIBGL_DRIVERS_PATH":             {},
	"LOCALE_ARCHIVE":                 {},
}

// EnvVar is one environment variable in cache order.
type EnvVar struct {
	Key   string
	Value string
}

var errNoEnvironment = errors.New("env cache has no environment object")

// parseEnvironment decodes {"environment": {...}} keeping the key order of
// the cache file. Non-string values keep their JSON text.
func parseEnvironment(data []byte) ([]EnvVar, error) {
	var doc struct {
		Environment json.RawMessage `json:"environment"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Environment) == 0 || bytes.Equal(doc.Environment, []byte("null")) {
		return nil, errNoEnvironment
	}

	dec := json.NewDecoder(bytes.NewReader(doc.Environment))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errNoEnvironment
	}

	var vars []EnvVar
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		value := string(raw)
		if len(raw) > 0 && raw[0] == '"' {
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		vars = append(vars, EnvVar{Key: key, Value: value})
	}
	return vars, nil
}

// Redact returns vars without deny-listed keys, preserving order.
func Redact(vars []EnvVar) []EnvVar {
	kept := make([]EnvVar, 0, len(vars))
	for _, v := range vars {
		if _, denied := DenyList[v.Key]; denied {
			continue
		}
		kept = append(kept, v)
	}
	return kept
}

func formatEnv(vars []EnvVar) string {
	lines := make([]string, len(vars))
	for i, v := range vars {
		lines[i] = v.Key + "=" + v.Value
	}
	return strings.Join(lines, "\r\n")
}
