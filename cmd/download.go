// Implements the 'objstore download' command.
package cmd

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/serverlessresearch/objstore/pkg/objstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Filled in by cobra argument parsing in init()
var downloadCmdConfig struct {
	path    string
	out     string
	start   int64
	end     int64
	etag    string
	version string
	small   bool
}

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download an object or a byte range of it",
	Long: `Download an object to a local file, or to stdout when --out is not given.
--start is inclusive and --end exclusive; either may be left out. With --etag
nothing is downloaded if the object still has that ETag.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := parsePath(downloadCmdConfig.path)
		if err != nil {
			return err
		}

		req := objstore.DownloadRequest{
			ETag:      downloadCmdConfig.etag,
			VersionID: downloadCmdConfig.version,
			ByteStart: objstore.Unbounded(),
			ByteEnd:   objstore.Unbounded(),
		}
		if downloadCmdConfig.start >= 0 {
			req.ByteStart = objstore.Included(downloadCmdConfig.start)
		}
		if downloadCmdConfig.end >= 0 {
			req.ByteEnd = objstore.Excluded(downloadCmdConfig.end)
		}
		if downloadCmdConfig.small {
			req.Kind = objstore.Small
		}

		result, err := storeManager.Client.Download(cmd.Context(), path, req)
		if errors.Is(err, objstore.ErrNotModified) {
			storeManager.Logger.WithField("path", path.String()).Info("Object not modified")
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "Download failed")
		}
		defer result.Body.Close()

		var out io.Writer = os.Stdout
		if downloadCmdConfig.out != "" {
			f, err := os.Create(downloadCmdConfig.out)
			if err != nil {
				return errors.Wrap(err, "Failed to create "+downloadCmdConfig.out)
			}
			defer f.Close()
			out = f
		}

		n, err := io.Copy(out, result.Body)
		if err != nil {
			return errors.Wrap(err, "Download interrupted")
		}
		storeManager.Logger.WithFields(logrus.Fields{
			"path":    path.String(),
			"bytes":   n,
			"etag":    result.ETag,
			"version": result.VersionID,
		}).Debug("Downloaded object")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVarP(&downloadCmdConfig.path, "path", "p", "", "Remote path of the object")
	downloadCmd.Flags().StringVarP(&downloadCmdConfig.out, "out", "o", "", "Local file to write (default stdout)")
	downloadCmd.Flags().Int64Var(&downloadCmdConfig.start, "start", -1, "First byte to download")
	downloadCmd.Flags().Int64Var(&downloadCmdConfig.end, "end", -1, "Byte to stop before")
	downloadCmd.Flags().StringVar(&downloadCmdConfig.etag, "etag", "", "Only download if the object's ETag differs")
	downloadCmd.Flags().StringVar(&downloadCmdConfig.version, "version", "", "Object version to download")
	downloadCmd.Flags().BoolVar(&downloadCmdConfig.small, "small", false, "Use the small timeout tier")
}
