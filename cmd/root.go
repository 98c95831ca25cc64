// Package cmd provides the eltag command-line interface.
//
// Configuration is read from, highest priority first:
//  1. command-line flags (--config, --log-level, per-command flags)
//  2. ELTAG_<SECTION>_<OPTION> environment variables, also loaded from .env
//  3. the file named by --config or ELTAG_CONFIG_FILE
//  4. .eltag.yml in the current directory
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/eltag/internal/config"
)

var (
	cfgFile string
	// setupErr is reported by the first command that needs configuration.
	setupErr error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "eltag",
	Short: "Stable element identifiers for templ and JSX markup",
	Long: `eltag adds a stable identifier attribute (data-el-id by default) to the
elements of .templ, .jsx and .tsx files and records every identifier in a
mapping file, so tools can find an element from the rendered page.

Quick Start:
  eltag tag src/components/Card.jsx   Tag one file
  eltag project .                     Tag every supported file under .
  eltag query --tag button            Find recorded elements
  eltag watch                         Re-tag files as they change
  eltag serve                         Serve the mappings over HTTP`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .eltag.yml, can also use ELTAG_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig points viper at the configuration file and environment.
func initConfig() {
	used, err := config.Setup(viper.GetViper(), cfgFile)
	setupErr = err
	if used != "" {
		fmt.Fprintln(os.Stderr, "Using config file:", used)
	}
}
