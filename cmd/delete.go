// Implements the 'objstore delete' command.
package cmd

import (
	"github.com/pkg/errors"
	"github.com/serverlessresearch/objstore/pkg/objstore"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete PATH...",
	Short: "Delete one or more objects",
	Long: `Delete the given objects. Paths that do not exist are not an error. Every
path is attempted even when some of them fail.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := make([]objstore.RemotePath, 0, len(args))
		for _, arg := range args {
			p, err := objstore.ParseRemotePath(arg)
			if err != nil {
				return err
			}
			paths = append(paths, p)
		}

		err := storeManager.Client.DeleteObjects(cmd.Context(), paths)
		var partial *objstore.PartialDeleteFailure
		if errors.As(err, &partial) {
			for _, f := range partial.Failed {
				storeManager.Logger.WithField("path", f.Path.String()).WithError(f.Err).Error("Failed to delete")
			}
			return errors.Errorf("%d of %d objects could not be deleted", len(partial.Failed), len(paths))
		}
		if err != nil {
			return errors.Wrap(err, "Delete failed")
		}
		storeManager.Logger.WithField("count", len(paths)).Info("Successfully deleted objects")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
