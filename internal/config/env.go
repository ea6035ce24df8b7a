package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env.local then .env into the process environment,
// without overriding variables already set. Missing files are ignored;
// only malformed ones are reported.
func LoadEnvFiles() error {
	for _, path := range []string{".env.local", ".env"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return err
		}
	}
	return nil
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	envSimple      = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// expandEnvVars resolves ${VAR}, ${VAR:-default}, and $VAR references
// against the process environment, in that precedence order.
func expandEnvVars(raw string) string {
	out := envWithDefault.ReplaceAllStringFunc(raw, func(m string) string {
		parts := envWithDefault.FindStringSubmatch(m)
		if v, ok := os.LookupEnv(parts[1]); ok && v != "" {
			return v
		}
		return parts[2]
	})
	out = envBraced.ReplaceAllStringFunc(out, func(m string) string {
		name := envBraced.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
	out = envSimple.ReplaceAllStringFunc(out, func(m string) string {
		name := envSimple.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
	return out
}

// envPrefix is the fixed prefix under which environment overlays are
// recognized, e.g. ALEXOS_OPENAI_API_KEY overlays openai.api_key.
const envPrefix = "ALEXOS_"

// applyEnvOverlay overlays a small set of commonly-rotated secrets and
// endpoints from ALEXOS_*-prefixed environment variables, taking
// precedence over whatever the YAML file (post ${VAR}-expansion) set.
// This is deliberately an explicit allowlist rather than a generic
// reflection-driven overlay: the overlaid keys are exactly the ones
// operators are expected to set per-deployment without editing the
// checked-in config file.
func applyEnvOverlay(cfg *Config) {
	overlayString(&cfg.OpenAI.APIKey, envPrefix+"OPENAI_API_KEY")
	overlayString(&cfg.OpenAI.BaseURL, envPrefix+"OPENAI_BASE_URL")
	overlayString(&cfg.Maclink.APIKey, envPrefix+"MACLINK_API_KEY")
	overlayString(&cfg.Maclink.BaseURL, envPrefix+"MACLINK_BASE_URL")
	overlayString(&cfg.AlexOS.ModuleRegistryURL, envPrefix+"ALEX_OS_MODULE_REGISTRY_URL")
	overlayString(&cfg.AlexOS.EventBusURL, envPrefix+"ALEX_OS_EVENT_BUS_URL")
	overlayString(&cfg.AlexOS.WebhookURL, envPrefix+"ALEX_OS_WEBHOOK_URL")
	overlayString(&cfg.Security.SecretKey, envPrefix+"SECURITY_SECRET_KEY")
	overlayString(&cfg.Database.URL, envPrefix+"DATABASE_URL")
	overlayInt(&cfg.Server.Port, envPrefix+"SERVER_PORT")
}

func overlayString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func overlayInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}
