// Package cmd implements the bidfabric command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bidfabric/bidfabric/internal/config"
	"github.com/bidfabric/bidfabric/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "bidfabric",
	Short:   "RFP processing core: agent messaging fabric and workflow engine",
	Long: `bidfabric runs the RFP processing core: a typed inter-agent messaging
fabric with priority queues, retries, and circuit breaking, plus a
template-driven workflow engine with approvals, persistence, and an
HTTP control surface.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.bidfabric/config.yaml)")
	rootCmd.PersistentFlags().String("api", "",
		"daemon API address for client commands (default from config)")
	_ = viper.BindPFlag("api.addr", rootCmd.PersistentFlags().Lookup("api"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".bidfabric"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("BIDFABRIC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config means defaults; anything else is a real problem.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
			os.Exit(1)
		}
	}

	var err error
	cfg, err = config.Load(viper.GetViper())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if _, err := log.Init(cfg.Log.Path); err != nil {
		fmt.Fprintf(os.Stderr, "initializing log: %v\n", err)
		os.Exit(1)
	}
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))
}
