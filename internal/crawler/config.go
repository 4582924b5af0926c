package crawler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/storage"
)

// RepositoryConfig is one entry of the repositories YAML file.
type RepositoryConfig struct {
	Owner      string `yaml:"owner" validate:"required"`
	Repo       string `yaml:"repo" validate:"required"`
	Branch     string `yaml:"branch" validate:"required"`
	Subdir     string `yaml:"subdir"`
	Protocol   string `yaml:"protocol" validate:"required,lowercase"`
	Prefix     string `yaml:"prefix"`
	Format     string `yaml:"format" validate:"omitempty,oneof=frontmatter table composite"`
	Enabled    *bool  `yaml:"enabled"`
	ForkedFrom string `yaml:"forked_from" validate:"omitempty,repokey"`
	Notes      string `yaml:"notes,omitempty"`
}

// Key returns "owner/repo/subdir", the form forked_from refers to.
func (c RepositoryConfig) Key() string {
	return c.Owner + "/" + c.Repo + "/" + strings.Trim(c.Subdir, "/")
}

// IsEnabled reports the enabled flag, true when unset.
func (c RepositoryConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DefaultRepositoryConfig returns a RepositoryConfig with defaults applied.
func DefaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{Branch: "main"}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		return name
	})
	// repokey is "owner/repo/subdir" with owner and repo non-empty.
	_ = v.RegisterValidation("repokey", func(fl validator.FieldLevel) bool {
		parts := strings.SplitN(fl.Field().String(), "/", 3)
		return len(parts) == 3 && parts[0] != "" && parts[1] != ""
	})
	return v
}

// ValidateConfig validates a RepositoryConfig and returns an error describing
// all problems found, or nil if the config is valid.
func ValidateConfig(cfg RepositoryConfig) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			errs = append(errs, fe.Field()+": required")
		case "oneof":
			errs = append(errs, fmt.Sprintf("%s: must be one of %s, got %q", fe.Field(), fe.Param(), fe.Value()))
		case "repokey":
			errs = append(errs, fmt.Sprintf("%s: must be owner/repo/subdir, got %q", fe.Field(), fe.Value()))
		default:
			errs = append(errs, fmt.Sprintf("%s: failed %s, got %q", fe.Field(), fe.Tag(), fe.Value()))
		}
	}
	return errors.New(strings.Join(errs, "; "))
}

// LoadRepositories reads the repositories file at path, applies defaults and
// validates every entry. Duplicate keys and forked_from references to
// repositories missing from the file are errors. All problems are reported
// together.
func LoadRepositories(path string) ([]RepositoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading repositories file %s: %w", path, err)
	}
	return parseRepositories(path, data)
}

func parseRepositories(path string, data []byte) ([]RepositoryConfig, error) {
	var raw struct {
		Repositories []yaml.Node `yaml:"repositories"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	configs := make([]RepositoryConfig, 0, len(raw.Repositories))
	var validationErrors []string
	seen := make(map[string]bool, len(raw.Repositories))

	for i, node := range raw.Repositories {
		// Start from defaults so an omitted branch stays "main".
		cfg := DefaultRepositoryConfig()
		if err := node.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: repositories[%d]: %w", path, i, err)
		}
		cfg.Subdir = strings.Trim(cfg.Subdir, "/")

		if err := ValidateConfig(cfg); err != nil {
			validationErrors = append(validationErrors, fmt.Sprintf("repositories[%d] (%s): %s", i, cfg.Key(), err.Error()))
			continue
		}
		if seen[cfg.Key()] {
			validationErrors = append(validationErrors, fmt.Sprintf("repositories[%d]: duplicate repository %s", i, cfg.Key()))
			continue
		}
		seen[cfg.Key()] = true
		configs = append(configs, cfg)
	}

	for _, cfg := range configs {
		if cfg.ForkedFrom == "" {
			continue
		}
		if cfg.ForkedFrom == cfg.Key() {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: forked_from: must not refer to itself", cfg.Key()))
		} else if !seen[cfg.ForkedFrom] {
			validationErrors = append(validationErrors, fmt.Sprintf("%s: forked_from: unknown repository %s", cfg.Key(), cfg.ForkedFrom))
		}
	}

	if len(validationErrors) > 0 {
		return configs, fmt.Errorf("invalid repositories in %s:\n  %s", path, strings.Join(validationErrors, "\n  "))
	}
	return configs, nil
}

// Sync upserts configs into the store. A repository is written after the
// one it was forked from, so forked_from can be resolved to an id; every
// upstream must be part of configs. The crawl cursor is left untouched.
func Sync(ctx context.Context, store storage.Repository, configs []RepositoryConfig) ([]sources.Repository, error) {
	out := make([]sources.Repository, 0, len(configs))
	err := store.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		written := make(map[string]int64, len(configs))
		pending := configs
		for len(pending) > 0 {
			var next []RepositoryConfig
			for _, cfg := range pending {
				params := sources.UpsertParams{
					Owner:    cfg.Owner,
					Repo:     cfg.Repo,
					Branch:   cfg.Branch,
					Subdir:   cfg.Subdir,
					Protocol: cfg.Protocol,
					Prefix:   cfg.Prefix,
					Format:   cfg.Format,
					Enabled:  cfg.IsEnabled(),
				}
				if cfg.ForkedFrom != "" {
					id, ok := written[cfg.ForkedFrom]
					if !ok {
						next = append(next, cfg)
						continue
					}
					params.ForkedFromID = &id
				}
				repo, err := tx.Sources().Upsert(ctx, params)
				if err != nil {
					return fmt.Errorf("upsert repository %s: %w", cfg.Key(), err)
				}
				written[cfg.Key()] = repo.ID
				out = append(out, *repo)
			}
			if len(next) == len(pending) {
				keys := make([]string, len(next))
				for i, cfg := range next {
					keys[i] = cfg.Key() + " -> " + cfg.ForkedFrom
				}
				return fmt.Errorf("unresolvable forked_from: %s", strings.Join(keys, ", "))
			}
			pending = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
