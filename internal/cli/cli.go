package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hornwind/l3-rule-cleanup/internal/applier"
	"github.com/hornwind/l3-rule-cleanup/internal/metrics"
	"github.com/hornwind/l3-rule-cleanup/internal/models"
	ipt "github.com/hornwind/l3-rule-cleanup/internal/models/firewall/iptables"
	"github.com/hornwind/l3-rule-cleanup/internal/models/repository/bolt"
	"github.com/hornwind/l3-rule-cleanup/internal/reconcile"
	"github.com/hornwind/l3-rule-cleanup/internal/report"
	"github.com/hornwind/l3-rule-cleanup/internal/store"
	"github.com/hornwind/l3-rule-cleanup/pkg/config"
	_ "github.com/hornwind/l3-rule-cleanup/pkg/log"
	"github.com/hornwind/l3-rule-cleanup/pkg/retry"
	"github.com/hornwind/l3-rule-cleanup/pkg/validate"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configDir  string
	output     string
	dryRun     bool
	diff       bool
	noSnapshot bool
}

// env is everything a command needs, built from configuration.
type env struct {
	applier *applier.Applier
	close   func()
}

func newEnv(cmd *cobra.Command, flags *globalFlags, withFirewall bool) (*env, error) {
	cfg, err := config.LoadConfig(flags.configDir)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	if err := validate.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	format, err := report.ParseFormat(flags.output)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryAttempts
	if cfg.RetryInitialDelay > 0 {
		rc.InitialDelay = cfg.RetryInitialDelay
	}
	client, err := store.NewClient(cfg.MerakiAPIKey, cfg.NetID,
		store.WithBaseURL(cfg.BaseURL),
		store.WithRequestTimeout(cfg.RequestTimeout),
		store.WithRetry(rc),
		store.WithObserver(m),
	)
	if err != nil {
		return nil, err
	}

	opts := []applier.Option{
		applier.WithOutput(cmd.OutOrStdout(), format, flags.diff),
		applier.WithDryRun(flags.dryRun),
		applier.WithMetrics(m),
	}

	var storage *bolt.Storage
	if !flags.noSnapshot && cfg.DBPath != "" {
		if err := os.MkdirAll(cfg.DBPath, 0700); err != nil {
			return nil, fmt.Errorf("could not access db path %s: %w", cfg.DBPath, err)
		}
		storage, err = bolt.NewStorage(filepath.Join(cfg.DBPath, "data.db"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, applier.WithStorage(storage))
	}

	if withFirewall {
		fw, err := ipt.NewIptables()
		if err != nil {
			if storage != nil {
				storage.Close()
			}
			return nil, fmt.Errorf("iptables: %w", err)
		}
		opts = append(opts, applier.WithFirewall(fw))
	}

	a, err := applier.NewApplier(cfg, client, opts...)
	if err != nil {
		if storage != nil {
			storage.Close()
		}
		return nil, err
	}

	return &env{
		applier: a,
		close: func() {
			if storage != nil {
				storage.Close()
			}
			if cfg.MetricsFile != "" {
				if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
					log.Warnf("Could not write metrics to %s: %v", cfg.MetricsFile, err)
				}
			}
		},
	}, nil
}

// NewRootCommand runs one reconciliation cycle when invoked without a subcommand.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "l3-rule-cleanup",
		Short:         "Remove duplicate layer 3 firewall rules from a Meraki network",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEnv(cmd, flags, false)
			if err != nil {
				return err
			}
			defer e.close()

			out, err := e.applier.Run(cmd.Context())
			if errors.Is(err, reconcile.ErrEmptyRuleSet) {
				return fmt.Errorf("network has only the default rule: %w", err)
			}
			if err != nil {
				return err
			}
			log.WithField("cycle", out.CycleID).Info("All done")
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configDir, "config-dir", config.DefaultDBPath, "directory holding config.yaml")
	pf.StringVarP(&flags.output, "output", "o", "table", "output format: table, json or yaml")
	pf.BoolVar(&flags.dryRun, "dry-run", false, "compute and print changes without uploading")
	pf.BoolVar(&flags.noSnapshot, "no-snapshot", false, "do not keep a local copy of the rules before uploading")
	cmd.Flags().BoolVar(&flags.diff, "diff", false, "print a unified diff of the rule lists")

	cmd.AddCommand(
		newShowCommand(flags),
		newAddCommand(flags),
		newSnapshotsCommand(flags),
		newRestoreCommand(flags),
		newMirrorCommand(flags),
	)
	return cmd
}

func newShowCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current rules with exact duplicates marked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEnv(cmd, flags, false)
			if err != nil {
				return err
			}
			defer e.close()
			return e.applier.Show(cmd.Context())
		},
	}
}

func newAddCommand(flags *globalFlags) *cobra.Command {
	var r models.Rule
	var policy string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a rule after the existing user rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r.Policy = models.Policy(policy)
			e, err := newEnv(cmd, flags, false)
			if err != nil {
				return err
			}
			defer e.close()
			return e.applier.Add(cmd.Context(), r)
		},
	}
	f := cmd.Flags()
	f.StringVar(&r.Comment, "comment", "", "rule description")
	f.StringVar(&policy, "policy", "deny", "allow or deny")
	f.StringVar(&r.Protocol, "protocol", "Any", "tcp, udp, icmp, icmp6 or Any")
	f.StringVar(&r.SrcPort, "src-port", "Any", "source port, range or list")
	f.StringVar(&r.SrcCidr, "src-cidr", "Any", "source CIDR list")
	f.StringVar(&r.DestPort, "dest-port", "Any", "destination port, range or list")
	f.StringVar(&r.DestCidr, "dest-cidr", "", "destination CIDR list")
	f.BoolVar(&r.SyslogEnabled, "syslog", false, "log matches to syslog")
	_ = cmd.MarkFlagRequired("dest-cidr")
	return cmd
}

func newSnapshotsCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List rule snapshots stored before uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEnv(cmd, flags, false)
			if err != nil {
				return err
			}
			defer e.close()
			list, err := e.applier.Snapshots()
			if err != nil {
				return err
			}
			return report.Snapshots(cmd.OutOrStdout(), list)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete SNAPSHOT_ID",
		Short: "Remove a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, flags, false)
			if err != nil {
				return err
			}
			defer e.close()
			return e.applier.DeleteSnapshot(args[0])
		},
	})
	return cmd
}

func newRestoreCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore SNAPSHOT_ID",
		Short: "Upload the rules of a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd, flags, false)
			if err != nil {
				return err
			}
			defer e.close()
			return e.applier.Restore(cmd.Context(), args[0])
		},
	}
}

func newMirrorCommand(flags *globalFlags) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Load the reconciled rules into a local iptables chain for staging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEnv(cmd, flags, true)
			if err != nil {
				return err
			}
			defer e.close()
			if remove {
				return e.applier.Unmirror()
			}
			_, err = e.applier.Mirror(cmd.Context())
			return err
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "delete the staging chain instead of loading it")
	return cmd
}

func Execute(ctx context.Context, args []string) error {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
