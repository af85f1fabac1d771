// Package config loads and validates the INI configuration file: one
// "Builder" section plus one section per target architecture.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully parsed, typed configuration.
type Config struct {
	User       string
	Password   string
	GerritURL  string
	Project    string
	Branch     string
	BranchBase string
	BranchRolling string
	Worktree   string
	Build      string
	Buildtools string
	Jam        string
	WWWRoot    string
	Link       string
	Site       string

	MaxJobs          int
	TimeLimitSeconds int
	LowDiskBytes     int64
	KeepDoneDays     float64
	KeepDonePressureDays float64
	GerritCacheSeconds int
	ArchiveSrc       bool

	Arches map[string]ArchConfig
}

// ArchConfig is one per-architecture INI section.
type ArchConfig struct {
	Name          string
	Arch          string
	Active        bool
	SaveArtifacts bool
	Target        string
	JamOptions    []string
}

// Auth reports the HTTP Basic credentials configured for the review server,
// and whether both are present. Matches the source's "AUTH = None unless
// both set" behavior: builds proceed without auth, only posting is skipped.
func (c *Config) Auth() (user, password string, ok bool) {
	if c.User == "" || c.Password == "" {
		return "", "", false
	}
	return c.User, c.Password, true
}

// Load reads and parses the INI file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	builder := v.Sub("builder")
	if builder == nil {
		return nil, fmt.Errorf("config: %s: missing [Builder] section", path)
	}

	cfg := &Config{
		User:                 builder.GetString("user"),
		Password:             builder.GetString("password"),
		GerritURL:            builder.GetString("gerrit_url"),
		Project:              builder.GetString("project"),
		Branch:               builder.GetString("branch"),
		BranchBase:           builder.GetString("branch_base"),
		BranchRolling:        builder.GetString("branch_rolling"),
		Worktree:             builder.GetString("worktree"),
		Build:                builder.GetString("build"),
		Buildtools:           builder.GetString("buildtools"),
		Jam:                  builder.GetString("jam"),
		WWWRoot:              builder.GetString("www_root"),
		Link:                 builder.GetString("link"),
		Site:                 builder.GetString("site"),
		MaxJobs:              builder.GetInt("max_jobs"),
		TimeLimitSeconds:     builder.GetInt("time_limit"),
		LowDiskBytes:         builder.GetInt64("low_disk"),
		KeepDoneDays:         builder.GetFloat64("keep_done"),
		KeepDonePressureDays: builder.GetFloat64("keep_done_pressure"),
		GerritCacheSeconds:   builder.GetInt("gerrit_cache"),
		ArchiveSrc:           builder.GetBool("archive_src"),
		Arches:               map[string]ArchConfig{},
	}

	for _, section := range v.AllKeys() {
		// viper lower-cases keys as "<section>.<key>"; section names other
		// than "builder" are architectures.
		parts := strings.SplitN(section, ".", 2)
		if len(parts) != 2 || parts[0] == "builder" {
			continue
		}
		name := parts[0]
		if _, seen := cfg.Arches[name]; seen {
			continue
		}
		sub := v.Sub(name)
		if sub == nil || !sub.GetBool("active") {
			continue
		}
		cfg.Arches[name] = ArchConfig{
			Name:          name,
			Arch:          sub.GetString("arch"),
			Active:        true,
			SaveArtifacts: sub.GetBool("save_artifacts"),
			Target:        sub.GetString("target"),
			JamOptions:    strings.Fields(sub.GetString("jam_options")),
		}
	}

	return cfg, nil
}

// Validate collects every configuration problem rather than stopping at the
// first, so a misconfiguration report is complete in one pass.
func Validate(cfg *Config) []error {
	var errs []error

	required := map[string]string{
		"gerrit_url": cfg.GerritURL,
		"project":    cfg.Project,
		"branch":     cfg.Branch,
		"worktree":   cfg.Worktree,
		"build":      cfg.Build,
		"buildtools": cfg.Buildtools,
		"jam":        cfg.Jam,
		"www_root":   cfg.WWWRoot,
	}
	for key, val := range required {
		if val == "" {
			errs = append(errs, fmt.Errorf("builder.%s is required", key))
		}
	}

	if cfg.MaxJobs <= 0 {
		errs = append(errs, fmt.Errorf("builder.max_jobs must be positive"))
	}
	if cfg.TimeLimitSeconds <= 0 {
		errs = append(errs, fmt.Errorf("builder.time_limit must be positive"))
	}
	if len(cfg.Arches) == 0 {
		errs = append(errs, fmt.Errorf("at least one active architecture section is required"))
	}

	distinct := map[string]string{
		"worktree":   cfg.Worktree,
		"build":      cfg.Build,
		"buildtools": cfg.Buildtools,
	}
	seen := map[string]string{}
	for key, val := range distinct {
		if val == "" {
			continue
		}
		if other, ok := seen[val]; ok {
			errs = append(errs, fmt.Errorf("builder.%s and builder.%s must not point at the same path (%s)", key, other, val))
		}
		seen[val] = key
	}

	for name, arch := range cfg.Arches {
		if arch.Arch == "" {
			errs = append(errs, fmt.Errorf("section %s: arch is required", name))
		}
	}

	return errs
}
