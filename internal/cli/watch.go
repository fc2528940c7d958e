package cli

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dispatchhq/syncstore/internal/syncstore"
)

func newWatchCmd(v *viper.Viper) *cobra.Command {
	var feedURL string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print kind-changed events until interrupted",
		Long:  "Watches the local cache for writes from other processes and, when\n--feed-url is set, subscribes to a realtime websocket feed of remote\nchanges as well.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			unsubscribe := store.Subscribe(func(kind string) {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			})
			defer unsubscribe()

			if url := strings.TrimSpace(feedURL); url != "" {
				feed := syncstore.NewChangeFeed(syncstore.ChangeFeedOptions{
					URL:      url,
					Notifier: store.Notifier(),
					APIKey:   v.GetString("api-key"),
				})
				go func() { _ = feed.Run(ctx) }()
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&feedURL, "feed-url", "", "realtime websocket feed URL")
	return cmd
}
