// Package config is dbfsd's configuration bundle: the connection,
// mount, and policy keys dbfsd recognises plus the ambient
// diagnostics/cache keys, delivered via Viper/Cobra the way
// common/cli.InitConfig delivers ldfd's configuration.
package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/bitswalk/dbfsd/src/common/cli"
	"github.com/bitswalk/dbfsd/src/common/logs"
)

// PasswordType selects how Password is interpreted.
type PasswordType string

const (
	// PasswordPlain means Password is used verbatim.
	PasswordPlain PasswordType = "plain"
	// PasswordB64 means Password is base64-encoded and must be decoded
	// before use, mirroring fuse-db.c's unbase64() call on the configured
	// password.
	PasswordB64 PasswordType = "b64"
)

// Config holds every recognised configuration key.
type Config struct {
	Server          string
	User            string
	Password        string
	PasswordType    PasswordType
	Mountpoint      string
	LogFile         string
	Debug           bool
	DebugPrintToken bool
	ReadOnly        bool
	Force           bool
	Unmount         bool
	UseCorrectCodes bool

	// Ambient keys
	DebugPort   int
	CachePath   string
	CacheS3     CacheS3Config
}

// CacheS3Config mirrors ldfd's storage.s3.* keys, trimmed to what
// cachestore's mirror needs.
type CacheS3Config struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// RegisterFlags registers every dbfsd flag on cmd and binds it to Viper,
// the same pattern ldfd's core.init does with rootCmd.Flags().
func RegisterFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "MySQL server address (host[:port])")
	cmd.Flags().String("user", "", "MySQL user name")
	cmd.Flags().String("password", "", "MySQL password (prompted if empty and stdin is a TTY)")
	cmd.Flags().String("password-type", string(PasswordPlain), "How to interpret password (plain or b64)")
	cmd.Flags().String("log-file", "", "Path to write statement/error logs (empty disables)")
	cmd.Flags().Bool("debug", false, "Enable the diagnostics HTTP API")
	cmd.Flags().Bool("debug-print-token", false, "Print the diagnostics bearer token to stdout at startup")
	cmd.Flags().Bool("read-only", false, "Reject every write/create/mkdir/unlink/truncate upcall")
	cmd.Flags().Bool("force", false, "Allow the /proc cmdline-match unmount fallback")
	cmd.Flags().Bool("unmount", false, "Unmount mountpoint and exit instead of mounting")
	cmd.Flags().Bool("use-correct-codes", false, "Map server error 1044 to EPERM instead of ENOENT")
	cmd.Flags().Int("debug-port", 9469, "Diagnostics HTTP bind port (127.0.0.1 only)")
	cmd.Flags().String("cache-path", "~/.dbfsd/cache.db.xz", "Schema-reflection cache snapshot path")

	cmd.Flags().Bool("cache-s3-enabled", false, "Mirror the cache snapshot to S3")
	cmd.Flags().String("cache-s3-endpoint", "", "S3 endpoint for the cache mirror")
	cmd.Flags().String("cache-s3-region", "us-east-1", "S3 region for the cache mirror")
	cmd.Flags().String("cache-s3-bucket", "", "S3 bucket for the cache mirror")
	cmd.Flags().String("cache-s3-key", "dbfsd/cache.db.xz", "S3 object key for the cache mirror")
	cmd.Flags().String("cache-s3-access-key", "", "S3 access key for the cache mirror")
	cmd.Flags().String("cache-s3-secret-key", "", "S3 secret key for the cache mirror")
	cmd.Flags().Bool("cache-s3-path-style", true, "Use path-style addressing for the cache mirror")

	cmd.Flags().StringP("mountpoint", "m", "", "Directory to mount the database tree on")

	for flag, key := range map[string]string{
		"server":               "server",
		"user":                 "user",
		"password":             "password",
		"password-type":        "password_type",
		"log-file":             "log_file",
		"debug":                "debug",
		"debug-print-token":    "debug_print_token",
		"read-only":            "read_only",
		"force":                "force",
		"unmount":              "unmount",
		"use-correct-codes":    "use_correct_codes",
		"debug-port":           "debug_port",
		"cache-path":           "cache_path",
		"cache-s3-enabled":     "cache_s3.enabled",
		"cache-s3-endpoint":    "cache_s3.endpoint",
		"cache-s3-region":      "cache_s3.region",
		"cache-s3-bucket":      "cache_s3.bucket",
		"cache-s3-key":         "cache_s3.key",
		"cache-s3-access-key":  "cache_s3.access_key",
		"cache-s3-secret-key":  "cache_s3.secret_key",
		"cache-s3-path-style":  "cache_s3.path_style",
		"mountpoint":           "mountpoint",
	} {
		_ = cli.BindFlag(cmd, flag, key)
	}

	viper.SetDefault("password_type", string(PasswordPlain))
	viper.SetDefault("debug_port", 9469)
	viper.SetDefault("cache_path", "~/.dbfsd/cache.db.xz")
	viper.SetDefault("cache_s3.region", "us-east-1")
	viper.SetDefault("cache_s3.key", "dbfsd/cache.db.xz")
	viper.SetDefault("cache_s3.path_style", true)
}

// Load reads the bound Viper values into a Config, expanding path-shaped
// keys the way cli.GetExpandedString does for ldfd.
func Load() (*Config, error) {
	cfg := &Config{
		Server:          viper.GetString("server"),
		User:            viper.GetString("user"),
		Password:        viper.GetString("password"),
		PasswordType:    PasswordType(viper.GetString("password_type")),
		Mountpoint:      cli.GetExpandedString("mountpoint"),
		LogFile:         cli.GetExpandedString("log_file"),
		Debug:           viper.GetBool("debug"),
		DebugPrintToken: viper.GetBool("debug_print_token"),
		ReadOnly:        viper.GetBool("read_only"),
		Force:           viper.GetBool("force"),
		Unmount:         viper.GetBool("unmount"),
		UseCorrectCodes: viper.GetBool("use_correct_codes"),
		DebugPort:       viper.GetInt("debug_port"),
		CachePath:       cli.GetExpandedString("cache_path"),
		CacheS3: CacheS3Config{
			Enabled:         viper.GetBool("cache_s3.enabled"),
			Endpoint:        viper.GetString("cache_s3.endpoint"),
			Region:          viper.GetString("cache_s3.region"),
			Bucket:          viper.GetString("cache_s3.bucket"),
			Key:             viper.GetString("cache_s3.key"),
			AccessKeyID:     viper.GetString("cache_s3.access_key"),
			SecretAccessKey: viper.GetString("cache_s3.secret_key"),
			PathStyle:       viper.GetBool("cache_s3.path_style"),
		},
	}

	if cfg.Server == "" && !cfg.Unmount {
		return nil, fmt.Errorf("server is required")
	}
	if cfg.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}

	if err := promptPassword(cfg); err != nil {
		return nil, err
	}
	if err := decodePassword(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodePassword base64-decodes cfg.Password in place when
// password_type=b64, mirroring fuse-db.c's unbase64() call on the
// configured password before it is used to dial MySQL.
func decodePassword(cfg *Config) error {
	if cfg.PasswordType != PasswordB64 || cfg.Password == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(cfg.Password)
	if err != nil {
		return fmt.Errorf("decode base64 password: %w", err)
	}
	cfg.Password = string(raw)
	return nil
}

// promptPassword fills in Password by prompting on a TTY, the same
// echo-disabled term.ReadPassword pattern ldfctl's login command uses,
// when no password was supplied on the command line or in config.
func promptPassword(cfg *Config) error {
	if cfg.Password != "" || cfg.PasswordType != PasswordPlain || cfg.Unmount {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	fmt.Printf("Password for %s@%s: ", cfg.User, cfg.Server)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	cfg.Password = string(raw)
	return nil
}

// NewLogger builds the process logger from LogFile/Debug, the way
// cli.InitLogger builds ldfd's — dbfsd has no log.level flag of its own,
// so debug mode or a configured log file drops the level to debug, which
// is the level conn logs failed statements at.
func NewLogger(cfg *Config) *logs.Logger {
	level := "info"
	if cfg.Debug || cfg.LogFile != "" {
		level = "debug"
	}
	return logs.New(logs.Config{Output: logs.OutputAuto, Level: level, Prefix: "dbfsd", LogFile: cfg.LogFile})
}
