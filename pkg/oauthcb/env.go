package oauthcb

import (
	"os"
	"strconv"
	"strings"
)

// Providers are configured per environment: CODELIA_OAUTH_<PROVIDER>_CLIENT_ID
// overrides the client id compiled into the caller, CODELIA_OAUTH_<PROVIDER>_PORT
// pins the callback listener to a fixed port for providers that refuse
// wildcard loopback redirects.

// ClientIDFromEnv returns the client id override for provider, or fallback
// when the variable is unset or empty.
func ClientIDFromEnv(provider, fallback string) string {
	if v := os.Getenv(envKey(provider, "CLIENT_ID")); v != "" {
		return v
	}
	return fallback
}

// PortFromEnv returns the callback port override for provider. Unset, empty,
// non-numeric, or out-of-range values fall back.
func PortFromEnv(provider string, fallback int) int {
	v := os.Getenv(envKey(provider, "PORT"))
	if v == "" {
		return fallback
	}
	port, err := strconv.Atoi(v)
	if err != nil || port < 1 || port > 65535 {
		return fallback
	}
	return port
}

// envKey builds CODELIA_OAUTH_<PROVIDER>_<suffix>, uppercasing the provider
// name and folding anything outside [A-Z0-9] to an underscore.
func envKey(provider, suffix string) string {
	norm := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, strings.ToUpper(provider))
	return "CODELIA_OAUTH_" + norm + "_" + suffix
}
