// Package environment reads secrets from environment variables named in
// configuration, so they never appear in config files.
//
// Helpers return errors rather than exiting, so callers decide how fatal a
// missing value is.
package environment

import (
	"fmt"
	"os"
	"strings"
)

// RequiredString returns the value of the named environment variable or an
// error if it is unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// Secret resolves a credential whose value lives in the environment variable
// named by varName. An empty varName means no credential is configured and
// yields ("", nil). A named but unset variable is an error.
func Secret(varName string) (string, error) {
	varName = strings.TrimSpace(varName)
	if varName == "" {
		return "", nil
	}
	return RequiredString(varName)
}
