// Implements the 'objstore list' command.
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/serverlessresearch/objstore/pkg/objstore"
	"github.com/spf13/cobra"
	"google.golang.org/api/iterator"
)

var listCmdConfig struct {
	prefix    string
	delimiter bool
	maxKeys   int
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List objects",
	Long: `List the objects below a prefix. With --delimiter only the direct
children are listed and deeper keys are folded into their common prefix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var prefix *objstore.RemotePath
		if listCmdConfig.prefix != "" {
			p, err := objstore.ParseRemotePath(listCmdConfig.prefix)
			if err != nil {
				return err
			}
			prefix = &p
		}
		opts := objstore.ListOptions{MaxKeys: listCmdConfig.maxKeys}
		if listCmdConfig.delimiter {
			opts.Mode = objstore.WithDelimiter
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		defer w.Flush()

		it := storeManager.Client.List(cmd.Context(), prefix, opts)
		for {
			obj, err := it.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "Listing failed")
			}
			if obj.IsPrefix {
				fmt.Fprintf(w, "PRE\t\t%s/\n", obj.Path)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				bytefmt.ByteSize(uint64(obj.Size)),
				obj.LastModified.Format(time.RFC3339),
				obj.Path)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVarP(&listCmdConfig.prefix, "prefix", "p", "", "Only list objects below this path")
	listCmd.Flags().BoolVarP(&listCmdConfig.delimiter, "delimiter", "d", false, "Group keys by \"/\"")
	listCmd.Flags().IntVar(&listCmdConfig.maxKeys, "max-keys", 0, "Page size of the listing requests")
}
