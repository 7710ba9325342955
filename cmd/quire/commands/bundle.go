package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newBundleCommand(g *globalOptions) *cobra.Command {
	b := &bundleOptions{}

	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Inspect the support-file bundle",
		Long: `Commands for looking inside the bundle documents are built against.

Without --bundle or --web-bundle the default bundle from the configuration
is used, fetched into the local cache as needed.`,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&b.local, "bundle", "b", "", "use this directory or zip file as the bundle")
	pf.StringVarP(&b.web, "web-bundle", "w", "", "use this URL as the bundle")
	pf.BoolVarP(&b.onlyCached, "only-cached", "C", false, "use only resources already in the local cache")

	cmd.AddCommand(newBundleCatCommand(g, b))
	cmd.AddCommand(newBundleListCommand(g, b))

	return cmd
}

func newBundleCatCommand(g *globalOptions, b *bundleOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cat NAME",
		Short: "Print a file from the bundle",
		Example: `  # Show the article class
  quire bundle cat article.cls`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBundle(cmd, g, *b, func(ctx context.Context, lookup bundleLookup) error {
				data, err := lookup.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func newBundleListCommand(g *globalOptions, b *bundleOptions) *cobra.Command {
	var cached bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the files in the bundle",
		Example: `  # Count the files in the default bundle
  quire bundle list | wc -l

  # Show what is usable offline
  quire bundle list --cached`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBundle(cmd, g, *b, func(ctx context.Context, lookup bundleLookup) error {
				list := lookup.Names
				if cached {
					list = lookup.Cached
				}
				names, err := list(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "list only files available without network access")
	return cmd
}

// bundleLookup is the part of a bundle the inspection commands use.
type bundleLookup interface {
	Lookup(ctx context.Context, name string) ([]byte, error)
	Names(ctx context.Context) ([]string, error)
	Cached(ctx context.Context) ([]string, error)
}

func withBundle(cmd *cobra.Command, g *globalOptions, b bundleOptions, fn func(context.Context, bundleLookup) error) error {
	env, err := newEnvironment(g)
	if err != nil {
		return err
	}
	ctx := env.tel.WithContext(cmd.Context())
	defer env.close(context.Background())

	index := env.openIndex(ctx)
	if index != nil {
		defer index.Close()
	}

	bun, err := env.resolveBundle(ctx, b, index)
	if err != nil {
		return env.fail(err)
	}
	defer bun.Close()

	return env.fail(fn(ctx, bun))
}
