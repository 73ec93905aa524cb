// Package credentials builds the secret-free environment of agent processes and
// resolves the real upstream credentials used by the local proxy.
package credentials

import (
	"os"
	"sort"
	"strings"
)

// PlaceholderAPIKey is handed to agents instead of the real key. The proxy
// discards it and injects the real one.
const PlaceholderAPIKey = "sk-runpool-placeholder"

// knownAPIKeyPatterns are never passed to a child, even when listed as extra env.
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"HUGGINGFACE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"REPLICATE_API_TOKEN",
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"GCP_SERVICE_ACCOUNT_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
	"BITBUCKET_TOKEN",
	"NPM_TOKEN",
	"DOCKER_PASSWORD",
	"DOCKER_TOKEN",
	"DATABASE_URL",
}

// baseWhitelist are inherited from the parent environment when set.
var baseWhitelist = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"LANG",
	"LANGUAGE",
	"LC_ALL",
	"LC_CTYPE",
	"TERM",
	"TZ",
	"TMPDIR",
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"NO_PROXY",
	"http_proxy",
	"https_proxy",
	"no_proxy",
	// non-secret model defaults
	"ANTHROPIC_MODEL",
	"ANTHROPIC_SMALL_FAST_MODEL",
	"CLAUDE_CODE_MAX_OUTPUT_TOKENS",
	"DISABLE_TELEMETRY",
	"DISABLE_ERROR_REPORTING",
	"DISABLE_AUTOUPDATER",
}

// IsSecretName reports whether an environment variable name looks like it carries a secret.
func IsSecretName(key string) bool {
	upper := strings.ToUpper(key)
	for _, pattern := range knownAPIKeyPatterns {
		if upper == pattern {
			return true
		}
	}
	lower := strings.ToLower(key)
	return strings.Contains(lower, "api_key") ||
		strings.Contains(lower, "apikey") ||
		strings.Contains(lower, "api-key") ||
		strings.Contains(lower, "_token") ||
		strings.Contains(lower, "_secret") ||
		strings.Contains(lower, "password")
}

// EnvOptions describes the environment of one agent process.
type EnvOptions struct {
	ModelID string
	// ProxyURL is the base URL of the local credential proxy, e.g. http://127.0.0.1:8787.
	ProxyURL string
	// UpstreamModel, when set, is exported as ANTHROPIC_MODEL.
	UpstreamModel string
	// Home overrides HOME, e.g. for a privilege-dropped user.
	Home string
	// Extra are additional non-secret variables; secret-looking names are dropped.
	Extra map[string]string
	// Lookup reads the parent environment; os.LookupEnv when nil.
	Lookup func(string) (string, bool)
}

// ProxyBaseURL returns the model-scoped proxy URL an agent talks to.
func ProxyBaseURL(proxyURL, modelID string) string {
	return strings.TrimRight(proxyURL, "/") + "/m/" + modelID
}

// BuildEnv returns the complete, secret-free environment of an agent as KEY=VALUE pairs, sorted.
func BuildEnv(opts EnvOptions) []string {
	env := whitelisted(opts.Extra, opts.Lookup)
	if opts.Home != "" {
		env["HOME"] = opts.Home
	}
	if opts.UpstreamModel != "" {
		env["ANTHROPIC_MODEL"] = opts.UpstreamModel
	}
	env["ANTHROPIC_API_KEY"] = PlaceholderAPIKey
	env["ANTHROPIC_BASE_URL"] = ProxyBaseURL(opts.ProxyURL, opts.ModelID)
	return sorted(env)
}

// WhitelistEnv returns the inherited whitelist plus extra, without any
// upstream wiring. Preview servers run with it.
func WhitelistEnv(extra map[string]string) []string {
	return sorted(whitelisted(extra, nil))
}

func whitelisted(extra map[string]string, lookup func(string) (string, bool)) map[string]string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := make(map[string]string)
	for _, key := range baseWhitelist {
		if v, ok := lookup(key); ok && v != "" {
			env[key] = v
		}
	}
	for k, v := range extra {
		if k == "" || IsSecretName(k) {
			continue
		}
		env[k] = v
	}
	return env
}

func sorted(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
