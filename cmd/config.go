// Implements the 'objstore config' command.
package cmd

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and the environment
have been merged. Credentials are not printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if f := storeManager.Cfg.ConfigFileUsed(); f != "" {
			storeManager.Logger.WithField("file", f).Debug("Using config file")
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(storeManager.EffectiveConfig()); err != nil {
			return errors.Wrap(err, "Failed to encode configuration")
		}
		return enc.Close()
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
