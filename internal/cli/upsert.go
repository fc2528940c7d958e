package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dispatchhq/syncstore/internal/syncstore"
)

func newUpsertCmd(v *viper.Viper) *cobra.Command {
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "upsert <kind> <json>",
		Short: "Create or update one entity from a JSON object",
		Long:  "The object may be partial or malformed; it is normalized before saving.\nThe local cache is updated synchronously, the remote is best effort.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw map[string]any
			if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
				return fmt.Errorf("entity is not a JSON object: %w", err)
			}
			store, err := buildStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			entity, err := store.Upsert(cmd.Context(), args[0], raw, syncstore.UpsertOptions{LocalOnly: localOnly})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(entity, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "skip the remote mirror")
	return cmd
}
