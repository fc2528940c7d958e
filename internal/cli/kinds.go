package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newKindsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the registered kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, name := range store.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
