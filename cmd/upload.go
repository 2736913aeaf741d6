// Implements the 'objstore upload' command.
package cmd

import (
	"os"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Filled in by cobra argument parsing in init()
var uploadCmdConfig struct {
	path string
	file string
	meta string
}

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a local file",
	Long: `Upload a local file to the configured remote storage. An existing object
at the same path is replaced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := parsePath(uploadCmdConfig.path)
		if err != nil {
			return err
		}
		metadata, err := parseMetadata(uploadCmdConfig.meta)
		if err != nil {
			return err
		}

		f, err := os.Open(uploadCmdConfig.file)
		if err != nil {
			return errors.Wrap(err, "Failed to open "+uploadCmdConfig.file)
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return errors.Wrap(err, "Failed to stat "+uploadCmdConfig.file)
		}

		result, err := storeManager.Client.Upload(cmd.Context(), f, st.Size(), path, metadata)
		if err != nil {
			return errors.Wrap(err, "Upload failed")
		}
		storeManager.Logger.WithFields(logrus.Fields{
			"path":    path.String(),
			"size":    bytefmt.ByteSize(uint64(st.Size())),
			"etag":    result.ETag,
			"version": result.VersionID,
		}).Info("Successfully uploaded object")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVarP(&uploadCmdConfig.path, "path", "p", "", "Remote path of the object")
	uploadCmd.Flags().StringVarP(&uploadCmdConfig.file, "file", "f", "", "Local file to upload")
	uploadCmd.Flags().StringVarP(&uploadCmdConfig.meta, "meta", "m", "", "list of metadata pairs: key1=value1,key2=value2")
	uploadCmd.MarkFlagRequired("file")
}
