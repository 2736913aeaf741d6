// Root of command-line argument parsing.
// This file was based off the standard cobra template, see
// https://github.com/spf13/cobra
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/objstore/pkg/objstore"
	"github.com/serverlessresearch/objstore/pkg/storemgr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cfgFile string
var logLevel string

var storeManager *storemgr.Manager

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "objstore",
	Short: "Remote object storage client",
	Long: `Upload, download, list and delete objects in S3, Google Cloud Storage,
Azure Blob Storage or a local directory through one interface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		mgrArgs := map[string]interface{}{}
		if cfgFile != "" {
			mgrArgs["config-file"] = cfgFile
		}
		if logLevel != "" {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return errors.Wrap(err, "invalid --log-level")
			}
			logger := logrus.New()
			logger.SetLevel(level)
			mgrArgs["logger"] = logger
		}

		var err error
		storeManager, err = storemgr.NewManager(mgrArgs)
		if err != nil {
			return errors.Wrap(err, "Failed to initialize storage manager")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		storeManager.Destroy()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// An interrupt cancels whatever operation is in flight.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if storeManager == nil || storeManager.Logger == nil {
			fmt.Printf("%v\n", err)
		} else {
			storeManager.Logger.Error(err)
		}
		stop()
		os.Exit(1)
	}
}

// parseMetadata parses "key1=value1,key2=value2", keeping the given order.
func parseMetadata(s string) (*objstore.StorageMetadata, error) {
	if s == "" {
		return nil, nil
	}

	md := objstore.NewStorageMetadata()
	for _, pair := range strings.Split(s, ",") {
		keyValue := strings.SplitN(pair, "=", 2)
		if len(keyValue) != 2 || keyValue[0] == "" {
			return nil, errors.Errorf("malformed metadata pair %q, expected key=value", pair)
		}
		md.Set(keyValue[0], keyValue[1])
	}
	return md, nil
}

func parsePath(raw string) (objstore.RemotePath, error) {
	if raw == "" {
		return objstore.RemotePath{}, errors.New("--path is required")
	}
	return objstore.ParseRemotePath(raw)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is configs/objstore.yaml or ~/.objstore/objstore.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides log_level from the config")
}
