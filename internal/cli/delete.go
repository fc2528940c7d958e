package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dispatchhq/syncstore/internal/syncstore"
)

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete one entity by id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			if !store.DeleteByID(cmd.Context(), args[0], args[1], syncstore.DeleteOptions{LocalOnly: localOnly}) {
				return fmt.Errorf("no entity %s in kind %s", args[1], args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "skip the remote delete")
	return cmd
}
