// Package main is vefctl, the embedded extension-catalog tool. It drives
// install, uninstall and inspection of .veb extension packages against a
// local system schema, the same code paths the server runs for
// INSTALL/UNINSTALL EXTENSION.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/villagesql/vef"
	"github.com/villagesql/vef/dialect"
	vefsql "github.com/villagesql/vef/dialect/sql"
	"github.com/villagesql/vef/extension"
	"github.com/villagesql/vef/extension/archive"
	"github.com/villagesql/vef/extension/loader"
	"github.com/villagesql/vef/victionary"
)

type rootFlags struct {
	configFile  string
	baseDir     string
	dialectName string
	dsn         string
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "vefctl",
		Short:         "Manage VillageSQL extensions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.baseDir, "base-dir", "", "directory holding .veb archives")
	rootCmd.PersistentFlags().StringVar(&flags.dialectName, "dialect", dialect.SQLite, "row store dialect: sqlite, mysql or postgres")
	rootCmd.PersistentFlags().StringVar(&flags.dsn, "dsn", "vef.db", "row store data source name")

	rootCmd.AddCommand(installCmd(flags))
	rootCmd.AddCommand(uninstallCmd(flags))
	rootCmd.AddCommand(listCmd(flags))
	rootCmd.AddCommand(verifyCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vefctl:", err)
		os.Exit(1)
	}
}

// session wires the catalog, archive store and manager the way the server
// does at startup.
type session struct {
	cfg vef.Config
	log *zap.Logger
	drv *vefsql.Driver
	vic *victionary.Victionary
	mgr *extension.Manager
}

func open(ctx context.Context, flags *rootFlags) (*session, error) {
	cfg := vef.DefaultConfig()
	if flags.configFile != "" {
		var err error
		if cfg, err = vef.ConfigFromFile(flags.configFile); err != nil {
			return nil, err
		}
	}
	if flags.baseDir != "" {
		cfg.BaseDir = flags.baseDir
	}
	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	drv, err := vefsql.Open(flags.dialectName, flags.dsn)
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}
	if err := victionary.CreateTables(ctx, drv); err != nil {
		_ = drv.Close()
		return nil, err
	}
	vic := victionary.New(cfg, log, drv)
	if err := vic.Init(ctx); err != nil {
		_ = drv.Close()
		return nil, err
	}
	victionary.SetGlobal(vic)
	store := archive.NewStore(afero.NewOsFs(), cfg.BaseDir, log)
	mgr := extension.NewManager(log, vic, store, loader.PluginOpener{},
		vef.NewLocalMDL(), &vef.LocalGlobalLocks{}, vef.NewLocalFunctionRegistry())
	return &session{cfg: cfg, log: log, drv: drv, vic: vic, mgr: mgr}, nil
}

func (s *session) close() {
	s.vic.Teardown()
	_ = s.drv.Close()
	_ = s.log.Sync()
}

func (s *session) txn() vef.Txn {
	return vef.Txn("vefctl-" + uuid.NewString())
}

func installCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "install <name>",
		Short: "Install the extension packaged as <base-dir>/<name>.veb",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.mgr.Install(cmd.Context(), s.txn(), args[0]); err != nil {
				return err
			}
			fmt.Printf("installed %s\n", args[0])
			return nil
		},
	}
}

func uninstallCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Uninstall an extension, refusing while it is referenced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.mgr.LoadInstalled(cmd.Context(), s.txn()); err != nil {
				return err
			}
			if err := s.mgr.Uninstall(cmd.Context(), s.txn(), args[0]); err != nil {
				return err
			}
			fmt.Printf("uninstalled %s\n", args[0])
			return nil
		},
	}
}

func listCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.close()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tSHA256")
			for _, e := range s.vic.AllExtensionsCommitted() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key.Name(), e.Version, e.ArchiveSHA256)
			}
			return w.Flush()
		},
	}
}

func verifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify every installed extension's archive against its recorded hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer s.close()
			store := archive.NewStore(afero.NewOsFs(), s.cfg.BaseDir, s.log)
			failed := 0
			for _, e := range s.vic.AllExtensionsCommitted() {
				name := e.Key.Name()
				if !store.Exists(name) {
					fmt.Printf("%s: archive missing\n", name)
					failed++
					continue
				}
				hash, err := store.Hash(name)
				switch {
				case err != nil:
					fmt.Printf("%s: %v\n", name, err)
					failed++
				case hash != e.ArchiveSHA256:
					fmt.Printf("%s: hash mismatch (archive %s, catalog %s)\n", name, hash, e.ArchiveSHA256)
					failed++
				default:
					fmt.Printf("%s: ok\n", name)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d extension(s) failed verification", failed)
			}
			return nil
		},
	}
}
