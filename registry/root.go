package registry

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mjl-/bstore"
	"github.com/spf13/cobra"

	"github.com/dockyard/registry/configuration"
	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/auth/token"
	"github.com/dockyard/registry/registry/purge"
	"github.com/dockyard/registry/registry/storage"
	"github.com/dockyard/registry/registry/storage/driver/factory"
	"github.com/dockyard/registry/registry/storage/metadata"
	"github.com/dockyard/registry/version"
)

var showVersion bool

func init() {
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(GCCmd)
	RootCmd.AddCommand(KeysCmd)
	KeysCmd.AddCommand(keysListCmd, keysGenerateCmd, keysApproveCmd, keysRevokeCmd)

	GCCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do everything except remove the blobs")
	GCCmd.Flags().BoolVarP(&removeUntagged, "delete-untagged", "m", false, "delete manifests that are not currently referenced via tag")

	keysGenerateCmd.Flags().StringVar(&keyOut, "out", "", "write the PEM encoded private key to this file")
	keysGenerateCmd.Flags().StringVar(&keyID, "kid", "", "key id to publish under, defaults to the key thumbprint")
	keysGenerateCmd.Flags().StringVar(&keyName, "name", "", "human readable name of the key")
	keysGenerateCmd.Flags().IntVar(&keyBits, "bits", 2048, "RSA modulus size")
	keysGenerateCmd.Flags().DurationVar(&keyExpiration, "expiration", 0, "lifetime of the key, zero for none")
	keysGenerateCmd.Flags().DurationVar(&keyRotation, "rotation", 24*time.Hour, "interval after which a new key is expected")
	keysGenerateCmd.Flags().BoolVar(&keyApprove, "approve", false, "publish the key as approved")

	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")
}

// RootCmd is the main command for the 'registry' binary.
var RootCmd = &cobra.Command{
	Use:   "registry",
	Short: "`registry`",
	Long:  "`registry`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		// nolint:errcheck
		cmd.Usage()
	},
}

// ServeCmd is a cobra command for running the registry.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes Docker images",
	Long:  "`serve` stores and distributes Docker images.",
	Run: func(cmd *cobra.Command, args []string) {
		// setup context
		ctx := dcontext.WithVersion(dcontext.Background(), version.Version())

		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		registry, err := NewRegistry(ctx, config)
		if err != nil {
			dcontext.GetLogger(ctx).Fatal(err)
		}

		if err = registry.ListenAndServe(); err != nil {
			dcontext.GetLogger(ctx).Fatal(err)
		}
	},
}

var (
	dryRun         bool
	removeUntagged bool
)

// GCCmd is the cobra command that corresponds to the garbage-collect subcommand
var GCCmd = &cobra.Command{
	Use:   "garbage-collect <config>",
	Short: "`garbage-collect` deletes expired sessions and unreferenced data",
	Long:  "`garbage-collect` expires upload sessions, removes stale staging data and closed tag history, and deletes blobs no manifest references.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, config, err := commandSetup(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		reg, db, err := openRegistry(ctx, config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		opts := purge.FromConfig(config)
		opts.DryRun = dryRun
		opts.DeleteUntagged = opts.DeleteUntagged || removeUntagged

		stats, err := purge.New(reg, opts).RunOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to garbage collect: %v\n", err)
			os.Exit(1)
		}
		printStats(cmd, stats, dryRun)
	},
}

func printStats(cmd *cobra.Command, stats storage.GCStats, dryRun bool) {
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "expired upload sessions\t%d\n", stats.ExpiredUploads)
	fmt.Fprintf(w, "%s upload records\t%d\n", verb, stats.PurgedUploads)
	fmt.Fprintf(w, "%s staging directories\t%d\n", verb, stats.StagingRemoved)
	fmt.Fprintf(w, "expired blob links\t%d\n", stats.LinksExpired)
	fmt.Fprintf(w, "%s tag history rows\t%d\n", verb, stats.TagRowsRemoved)
	fmt.Fprintf(w, "%s manifests\t%d\n", verb, stats.ManifestsRemoved)
	fmt.Fprintf(w, "%s blobs\t%d\n", verb, stats.BlobsRemoved)
	w.Flush()
}

// KeysCmd groups the service key administration commands.
var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "`keys` manages the keys trusted to sign tokens",
	Long:  "`keys` lists, generates, approves and revokes the keys trusted to sign registry tokens.",
}

var (
	keyOut        string
	keyID         string
	keyName       string
	keyBits       int
	keyExpiration time.Duration
	keyRotation   time.Duration
	keyApprove    bool
)

var keysListCmd = &cobra.Command{
	Use:   "list <config>",
	Short: "list the service keys",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceKeys(args, func(ctx context.Context, keys *token.ServiceKeys) error {
			rows, err := keys.List(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KID\tNAME\tAPPROVED\tCREATED\tEXPIRES")
			for _, row := range rows {
				expires := "never"
				if !row.Expires.IsZero() {
					expires = row.Expires.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", row.KID, row.Name, row.Approved, row.Created.UTC().Format(time.RFC3339), expires)
			}
			return w.Flush()
		})
	},
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate <config>",
	Short: "generate a signing key and publish its public half",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyOut == "" {
			return fmt.Errorf("--out is required")
		}
		key, pemBytes, err := token.GenerateKey(keyBits)
		if err != nil {
			return err
		}
		kid := keyID
		if kid == "" {
			kid = token.GetRFC7638Thumbprint(&key.PublicKey)
		}
		if err := os.WriteFile(keyOut, pemBytes, 0600); err != nil {
			return err
		}

		return withServiceKeys(args[:1], func(ctx context.Context, keys *token.ServiceKeys) error {
			var expires time.Time
			if keyExpiration > 0 {
				expires = time.Now().Add(keyExpiration)
			}
			if err := keys.Publish(ctx, kid, keyName, &key.PublicKey, expires, keyRotation, keyApprove); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kid)
			return nil
		})
	},
}

var keysApproveCmd = &cobra.Command{
	Use:   "approve <config> <kid>",
	Short: "trust a published key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceKeys(args[:1], func(ctx context.Context, keys *token.ServiceKeys) error {
			return keys.Approve(ctx, args[1])
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <config> <kid>",
	Short: "withdraw trust from a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServiceKeys(args[:1], func(ctx context.Context, keys *token.ServiceKeys) error {
			return keys.Revoke(ctx, args[1])
		})
	},
}

func withServiceKeys(args []string, fn func(ctx context.Context, keys *token.ServiceKeys) error) error {
	ctx, config, err := commandSetup(args)
	if err != nil {
		return err
	}
	if config.Auth.Token.Service == "" {
		return fmt.Errorf("auth.token.service is not configured")
	}

	db, err := metadata.Open(ctx, config.Database.Path)
	if err != nil {
		return fmt.Errorf("opening metadata database %s: %w", config.Database.Path, err)
	}
	defer db.Close()

	return fn(ctx, token.NewServiceKeys(db, config.Auth.Token.Service))
}

// commandSetup parses the configuration named by args and configures
// logging for a one-shot command.
func commandSetup(args []string) (context.Context, *configuration.Configuration, error) {
	config, err := resolveConfiguration(args)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration error: %v", err)
	}

	ctx, err := configureLogging(dcontext.Background(), config)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to configure logging with config: %s", err)
	}
	return ctx, config, nil
}

// openRegistry builds the storage registry described by config without the
// HTTP application around it.
func openRegistry(ctx context.Context, config *configuration.Configuration) (*storage.Registry, *bstore.DB, error) {
	driver, err := factory.Create(ctx, config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to construct %s driver: %v", config.Storage.Type(), err)
	}

	db, err := metadata.Open(ctx, config.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata database %s: %w", config.Database.Path, err)
	}

	reg, err := storage.NewRegistry(ctx, db, driver,
		storage.SessionTimeout(config.Uploads.SessionTimeout),
		storage.LinkTTL(config.Uploads.LinkTTL),
		storage.TagHistoryGrace(config.Tags.HistoryGrace),
	)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to construct registry: %v", err)
	}
	return reg, db, nil
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}

	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", configurationPath, err)
	}

	return config, nil
}
