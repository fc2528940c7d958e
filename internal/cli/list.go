package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dispatchhq/syncstore/internal/syncstore"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	var includeInactive bool
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List the entities of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			entities, err := store.Load(cmd.Context(), args[0], syncstore.LoadOptions{
				IncludeInactive: includeInactive,
				LocalOnly:       localOnly,
			})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(entities, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeInactive, "all", false, "include inactive entities")
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "skip the remote even when configured")
	return cmd
}
