package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dhcgn/eml-extract/fsutil"
)

// EnvPrefix prefixes environment variables, e.g. EML_EXTRACT_OUTPUT.
const EnvPrefix = "EML_EXTRACT"

// Config captures all options required to run an extraction job.
type Config struct {
	SourcePath    string
	OutputPath    string
	DeleteSource  bool
	TempDir       string
	StateDir      string
	FailFast      bool
	UntitledLabel string
	LogLevel      string
	LogDir        string
	NoProgress    bool
	ConfigFile    string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("source", "", "Path to a .eml message, an archive (zip, tar, tar.gz, rar) or an mbox file")
	flags.String("output", "", "Output ZIP archive (default: <source>_extracted.zip next to the source)")
	flags.Bool("delete-source", false, "Delete the source after a successful run")
	flags.String("temp-dir", filepath.Join(os.TempDir(), "eml-extract"), "Root for scratch directories")
	flags.String("state-dir", defaultStateDir, "Directory for the job journal")
	flags.Bool("fail-fast", false, "Abort on the first message that cannot be extracted")
	flags.String("untitled-label", fsutil.DefaultSubjectLabel, "Folder name prefix for messages without subject")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.Bool("no-progress", false, "Disable the progress bar")
	flags.String("config", "", "YAML config file; keys match the flag names")
	RegisterFilterFlags(cmd)
	return nil
}

// RegisterFilterFlags attaches the message filter flags.
func RegisterFilterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// LoadConfig merges the parsed flags with the optional config file and
// EML_EXTRACT_* environment variables. Explicit flags win over the
// environment, which wins over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configFile := v.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}

	stateDir := v.GetString("state-dir")
	if stateDir == "" {
		var err error
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		SourcePath:    v.GetString("source"),
		OutputPath:    v.GetString("output"),
		DeleteSource:  v.GetBool("delete-source"),
		TempDir:       v.GetString("temp-dir"),
		StateDir:      filepath.Clean(stateDir),
		FailFast:      v.GetBool("fail-fast"),
		UntitledLabel: v.GetString("untitled-label"),
		LogLevel:      logLevel,
		LogDir:        v.GetString("log-dir"),
		NoProgress:    v.GetBool("no-progress"),
		ConfigFile:    configFile,
		IncludeHeader: v.GetStringSlice("include-header"),
		IncludeBody:   v.GetStringSlice("include-body"),
		ExcludeHeader: v.GetStringSlice("exclude-header"),
		ExcludeBody:   v.GetStringSlice("exclude-body"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.SourcePath == "" {
		return errors.New("--source is required")
	}
	if cfg.OutputPath != "" && !strings.EqualFold(filepath.Ext(cfg.OutputPath), ".zip") {
		return fmt.Errorf("--output must be a .zip file: %s", cfg.OutputPath)
	}
	if cfg.TempDir == "" {
		return errors.New("--temp-dir must not be empty")
	}
	if fsutil.Sanitize(cfg.UntitledLabel) == "" {
		return errors.New("--untitled-label must contain a usable file name")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return errors.New("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".eml-extract", "state"), nil
}
