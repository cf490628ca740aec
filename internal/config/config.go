// Package config loads Kestrel configuration from defaults, an optional
// YAML file and KESTREL_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "KESTREL_"

// EnvConfigFile names the YAML file to load when no path is given.
const EnvConfigFile = "KESTREL_CONFIG"

// sections are the top-level keys; env names are SECTION_KEY.
var sections = []string{
	"server",
	"engine",
	"repository",
	"cache",
	"event_bus",
	"notify",
	"logging",
	"tracing",
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration. path may be empty, in which case
// KESTREL_CONFIG is consulted; a missing file is an error only when a path
// was named. KESTREL_PROFILE=cluster starts from the cluster defaults.
func Load(path string) (*domain.Config, error) {
	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"PROFILE"), "cluster") {
		defaults = domain.ClusterConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg domain.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KESTREL_EVENT_BUS_NATS_URL to event_bus.nats_url. Variables
// outside a known section map to an empty key and are ignored.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if rest, ok := strings.CutPrefix(s, section+"_"); ok && rest != "" {
			return section + "." + rest
		}
	}
	return ""
}

// Validate checks field constraints and cross-field rules.
func Validate(cfg *domain.Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch {
	case cfg.Repository.Driver == "sqlite" && cfg.Repository.SQLitePath == "":
		return errors.New("invalid config: repository.sqlite_path is required for sqlite")
	case cfg.Repository.Driver == "postgres" && cfg.Repository.PostgresHost == "":
		return errors.New("invalid config: repository.postgres_host is required for postgres")
	case cfg.Cache.Type == "redis" && cfg.Cache.RedisAddr == "":
		return errors.New("invalid config: cache.redis_addr is required for redis")
	case cfg.EventBus.Type == "nats" && cfg.EventBus.NATSUrl == "":
		return errors.New("invalid config: event_bus.nats_url is required for nats")
	}
	return nil
}
