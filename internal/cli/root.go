// Package cli implements the syncstore command-line interface.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dispatchhq/syncstore/internal/syncstore"
)

const envPrefix = "SYNCSTORE"

// NewRootCmd creates the top-level "syncstore" command with global flags and
// all subcommands registered. Every flag can also be set through the
// environment with the SYNCSTORE_ prefix, e.g. SYNCSTORE_REMOTE_URL.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "syncstore",
		Short:        "Local-first store for dispatch back-office collections",
		Long:         "Syncstore keeps an authoritative local cache of back-office collections\n(service types, policies, ...) and best-effort mirrors them to a remote\nREST collection whose schema may vary across deployments.",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("cache-dir", ".syncstore", "local cache directory")
	root.PersistentFlags().String("backend", "", "cache backend DSN (file://, memory:, postgres://); overrides --cache-dir")
	root.PersistentFlags().String("remote-url", "", "remote REST base URL (empty means local only)")
	root.PersistentFlags().String("api-key", "", "remote API key")
	root.PersistentFlags().String("org-id", "", "organization scope attached to remote writes")
	root.PersistentFlags().Bool("verbose", false, "log to stderr")
	_ = v.BindPFlags(root.PersistentFlags())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newListCmd(v))
	root.AddCommand(newUpsertCmd(v))
	root.AddCommand(newDeleteCmd(v))
	root.AddCommand(newKindsCmd(v))
	root.AddCommand(newWatchCmd(v))
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildStore(v *viper.Viper) (*syncstore.Store, error) {
	logger := zerolog.Nop()
	if v.GetBool("verbose") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	backend, err := syncstore.BuildCacheBackendFromDSN(v.GetString("backend"))
	if err != nil {
		return nil, err
	}
	var transport syncstore.Transport
	if baseURL := strings.TrimSpace(v.GetString("remote-url")); baseURL != "" {
		transport = syncstore.NewRESTTransport(syncstore.RESTTransportOptions{
			BaseURL: baseURL,
			APIKey:  v.GetString("api-key"),
		})
	}
	opts := syncstore.StoreOptions{
		Backend:   backend,
		Transport: transport,
		Logger:    &logger,
	}
	if backend == nil {
		opts.CacheDir = v.GetString("cache-dir")
	}
	if org := strings.TrimSpace(v.GetString("org-id")); org != "" {
		opts.OrgScope = func() string { return org }
	}
	return syncstore.NewStore(opts), nil
}
