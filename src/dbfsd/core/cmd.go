// Package core provides dbfsd's Cobra root command and mount lifecycle,
// the same split ldfd's core package makes between cmd.go (flags/config)
// and server.go (the long-running process) — here, server.go's analogue
// is mount.go, since dbfsd serves a FUSE mount instead of an HTTP API.
package core

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bitswalk/dbfsd/src/common/cli"
	"github.com/bitswalk/dbfsd/src/common/logs"
	"github.com/bitswalk/dbfsd/src/common/version"
	"github.com/bitswalk/dbfsd/src/dbfsd/config"
)

// Linker variables, set via ldflags at build time.
var (
	Version        = "dev"
	ReleaseName    = "Phoenix"
	ReleaseVersion = "0.0.0"
	BuildDate      = "unknown"
	GitCommit      = "unknown"
)

var (
	// VersionInfo is populated from the linker variables in Execute.
	VersionInfo = version.New()

	log *logs.Logger

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "dbfsd",
	Short: "Mount a MySQL database as a FUSE filesystem",
	Long: `dbfsd exposes a MySQL server as a mountable directory tree:
databases become directories, tables become directories, primary-key
values become directories, and columns become regular files holding a
single cell's text.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log = config.NewLogger(cfg)

		if cfg.Unmount {
			return Unmount(cfg, log)
		}
		return Mount(cfg, log)
	},
}

// Execute runs the root command, exiting non-zero on any error.
func Execute() {
	VersionInfo.Version = Version
	VersionInfo.ReleaseName = ReleaseName
	VersionInfo.ReleaseVersion = ReleaseVersion
	VersionInfo.BuildDate = BuildDate
	VersionInfo.GitCommit = GitCommit
	rootCmd.Version = VersionInfo.Short()
	rootCmd.SetVersionTemplate(VersionInfo.Full() + "\n")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cli.RegisterConfigFlag(rootCmd, &cfgFile, "/etc/dbfsd/dbfsd.yaml")
	config.RegisterFlags(rootCmd)
}

func initConfig() error {
	opts := cli.ConfigOptions{
		ConfigName: "dbfsd",
		ConfigType: "yaml",
		EnvPrefix:  "DBFSD",
		SearchPaths: []string{
			"/etc/dbfsd",
			"~/.dbfsd",
			".",
		},
	}
	opts.ConfigFile = cfgFile
	return cli.InitConfig(opts)
}
