// Implements the 'objstore stat' command.
package cmd

import (
	"fmt"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var statCmdConfig struct {
	path string
}

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Show the attributes of an object",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := parsePath(statCmdConfig.path)
		if err != nil {
			return err
		}
		attrs, err := storeManager.Client.Head(cmd.Context(), path)
		if err != nil {
			return errors.Wrap(err, "Stat failed")
		}

		fmt.Printf("Path:          %s\n", path)
		fmt.Printf("Size:          %s (%d bytes)\n", bytefmt.ByteSize(uint64(attrs.Size)), attrs.Size)
		fmt.Printf("ETag:          %s\n", attrs.ETag)
		fmt.Printf("Last modified: %s\n", attrs.LastModified.Format(time.RFC3339))
		if attrs.VersionID != "" {
			fmt.Printf("Version:       %s\n", attrs.VersionID)
		}
		attrs.Metadata.Range(func(k, v string) bool {
			fmt.Printf("Metadata:      %s=%s\n", k, v)
			return true
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statCmd)

	statCmd.Flags().StringVarP(&statCmdConfig.path, "path", "p", "", "Remote path of the object")
}
