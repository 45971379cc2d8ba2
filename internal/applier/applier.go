package applier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hornwind/l3-rule-cleanup/internal/metrics"
	"github.com/hornwind/l3-rule-cleanup/internal/models"
	ipt "github.com/hornwind/l3-rule-cleanup/internal/models/firewall/iptables"
	"github.com/hornwind/l3-rule-cleanup/internal/reconcile"
	"github.com/hornwind/l3-rule-cleanup/internal/report"
	"github.com/hornwind/l3-rule-cleanup/pkg/config"
	_ "github.com/hornwind/l3-rule-cleanup/pkg/log"
	"github.com/hornwind/l3-rule-cleanup/pkg/validate"
	log "github.com/sirupsen/logrus"
)

const (
	iptTable = "filter"

	reasonDedup   = "before dedup"
	reasonAdd     = "before add"
	reasonRestore = "before restore"
)

// Applier runs reconciliation cycles against one network.
type Applier struct {
	networkID string
	tieBreak  reconcile.TieBreak
	chain     string
	keep      int

	store   models.Store
	storage models.Repository
	fw      models.Firewall
	metrics *metrics.Registry

	out      io.Writer
	format   report.Format
	showDiff bool
	dryRun   bool

	now   func() time.Time
	newID func() string
}

type Option func(*Applier)

// WithStorage enables snapshots before every upload.
func WithStorage(r models.Repository) Option {
	return func(a *Applier) { a.storage = r }
}

func WithFirewall(fw models.Firewall) Option {
	return func(a *Applier) { a.fw = fw }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(a *Applier) { a.metrics = m }
}

func WithOutput(w io.Writer, f report.Format, diff bool) Option {
	return func(a *Applier) {
		a.out = w
		a.format = f
		a.showDiff = diff
	}
}

func WithDryRun(dry bool) Option {
	return func(a *Applier) { a.dryRun = dry }
}

func NewApplier(config config.Config, store models.Store, opts ...Option) (*Applier, error) {
	tb, err := reconcile.ParseTieBreak(config.SemanticTieBreak)
	if err != nil {
		return nil, err
	}

	applier := &Applier{
		networkID: config.NetID,
		tieBreak:  tb,
		chain:     config.MirrorChain,
		keep:      config.SnapshotRetention,
		store:     store,
		out:       io.Discard,
		format:    report.FormatTable,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(applier)
	}
	if applier.chain == "" {
		applier.chain = "meraki-l3"
	}
	return applier, nil
}

// Outcome describes a finished cycle.
type Outcome struct {
	CycleID    string
	Before     models.RuleSet
	Result     reconcile.Result
	Applied    bool
	SnapshotID string
	StatusCode int
}

// Run performs one fetch, reconcile and conditional replace. Replace is never
// called when reconciliation fails or nothing changed.
func (a *Applier) Run(ctx context.Context) (Outcome, error) {
	out := Outcome{CycleID: a.newID()}
	logger := log.WithFields(log.Fields{"cycle": out.CycleID, "network": a.networkID})

	err := a.run(ctx, logger, &out)
	if a.metrics != nil {
		if err != nil {
			a.metrics.CycleFailures.WithLabelValues(a.networkID).Inc()
		}
		a.metrics.LastCycle.WithLabelValues(a.networkID).Set(float64(a.now().Unix()))
	}
	return out, err
}

func (a *Applier) run(ctx context.Context, logger *log.Entry, out *Outcome) error {
	logger.Debug("Fetching rules")
	set, err := a.store.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch rules: %w", err)
	}
	out.Before = set
	logger.Infof("Fetched %d user rules plus the default rule", len(set.Rules))

	res, err := reconcile.Reconcile(set, reconcile.WithSemanticTieBreak(a.tieBreak))
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	out.Result = res
	logger.Infof("Removed %d exact copies and %d comment-only duplicates", res.ExactRemoved, res.SemanticRemoved)
	if res.SemanticRemoved > 0 && a.tieBreak == reconcile.TieBreakLast {
		logger.Warn("Comment-only duplicates keep their last occurrence while exact copies keep the first; set semanticTieBreak=first to keep the first in both passes")
	}

	if a.metrics != nil {
		a.metrics.RulesBefore.WithLabelValues(a.networkID).Set(float64(len(set.Rules)))
		a.metrics.RulesAfter.WithLabelValues(a.networkID).Set(float64(len(res.Cleaned)))
		a.metrics.RulesRemoved.WithLabelValues(a.networkID, "exact").Add(float64(res.ExactRemoved))
		a.metrics.RulesRemoved.WithLabelValues(a.networkID, "semantic").Add(float64(res.SemanticRemoved))
	}

	if a.format == report.FormatTable {
		if err := a.renderTables(set, res); err != nil {
			return err
		}
	}

	switch {
	case !res.Changed:
		logger.Info("No change in rules")
	case a.dryRun:
		logger.Info("Dry run, rules not uploaded")
	default:
		id, err := a.snapshot(set, reasonDedup)
		if err != nil {
			return err
		}
		out.SnapshotID = id

		logger.Info("Uploading updated rule set, the default rule is added by the dashboard")
		code, err := a.store.Replace(ctx, res.Cleaned)
		if err != nil {
			return fmt.Errorf("replace rules: %w", err)
		}
		out.Applied = true
		out.StatusCode = code
		logger.Infof("Rules uploaded with HTTP response status code of %d", code)
		if a.metrics != nil {
			a.metrics.Replaces.WithLabelValues(a.networkID).Inc()
		}
	}

	if a.format != report.FormatTable {
		return report.Encode(a.out, a.format, report.Document{
			NetworkID: a.networkID,
			CycleID:   out.CycleID,
			Before:    set.All(),
			After:     res.Cleaned,
			Removed:   res.Removed,
			Changed:   res.Changed,
			Applied:   out.Applied,
		})
	}
	return nil
}

func (a *Applier) renderTables(set models.RuleSet, res reconcile.Result) error {
	if err := report.Before(a.out, set, res.Duplicates); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(a.out); err != nil {
		return err
	}
	if err := report.After(a.out, res.Cleaned); err != nil {
		return err
	}
	if err := report.Summary(a.out, len(set.Rules), res); err != nil {
		return err
	}
	if a.showDiff && res.Changed {
		return report.Diff(a.out, set.Rules, res.Cleaned)
	}
	return nil
}

// snapshot stores the full fetched list. Without storage it is a no-op.
func (a *Applier) snapshot(set models.RuleSet, reason string) (string, error) {
	if a.storage == nil {
		return "", nil
	}
	snap := &models.Snapshot{
		ID:        a.newID(),
		NetworkID: a.networkID,
		Timestamp: a.now(),
		Reason:    reason,
		Rules:     set.All(),
	}
	if err := a.storage.SaveSnapshot(snap); err != nil {
		return "", fmt.Errorf("could not store snapshot, rules left untouched: %w", err)
	}
	log.Debugf("Stored snapshot %s (%s)", snap.ID, reason)
	a.prune()
	return snap.ID, nil
}

// prune drops the oldest snapshots beyond the retention limit. Zero keeps everything.
func (a *Applier) prune() {
	if a.keep <= 0 {
		return
	}
	list, err := a.storage.ListSnapshots(a.networkID)
	if err != nil {
		log.Warnf("Could not list snapshots for pruning: %v", err)
		return
	}
	for i := a.keep; i < len(list); i++ {
		if err := a.storage.DeleteSnapshot(a.networkID, list[i].ID); err != nil {
			log.Warnf("Could not prune snapshot %s: %v", list[i].ID, err)
			continue
		}
		log.Debugf("Pruned snapshot %s", list[i].ID)
	}
}

// Show renders the current rules with exact duplicates marked.
func (a *Applier) Show(ctx context.Context) error {
	set, err := a.store.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch rules: %w", err)
	}
	res, err := reconcile.Reconcile(set, reconcile.WithSemanticTieBreak(a.tieBreak))
	if err != nil && !errors.Is(err, reconcile.ErrEmptyRuleSet) {
		return err
	}
	if a.format != report.FormatTable {
		return report.Encode(a.out, a.format, report.Document{NetworkID: a.networkID, Before: set.All(), After: res.Cleaned, Removed: res.Removed, Changed: res.Changed})
	}
	return report.Before(a.out, set, res.Duplicates)
}

// Add appends rule after the existing user rules and uploads the list.
func (a *Applier) Add(ctx context.Context, rule models.Rule) error {
	if err := validate.ValidateRule(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	set, err := a.store.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch rules: %w", err)
	}

	rules := append(append([]models.Rule(nil), set.Rules...), rule)
	if err := report.Rules(a.out, "L3 Firewall Rules After", rules); err != nil {
		return err
	}
	if a.dryRun {
		log.Info("Dry run, rule not added")
		return nil
	}
	if _, err := a.snapshot(set, reasonAdd); err != nil {
		return err
	}
	code, err := a.store.Replace(ctx, rules)
	if err != nil {
		return fmt.Errorf("replace rules: %w", err)
	}
	log.Infof("Rule added with HTTP response status code of %d", code)
	return nil
}

func (a *Applier) Snapshots() ([]models.Snapshot, error) {
	if a.storage == nil {
		return nil, errors.New("snapshot storage is not configured")
	}
	return a.storage.ListSnapshots(a.networkID)
}

func (a *Applier) DeleteSnapshot(id string) error {
	if a.storage == nil {
		return errors.New("snapshot storage is not configured")
	}
	if err := a.storage.DeleteSnapshot(a.networkID, id); err != nil {
		return err
	}
	log.Infof("Snapshot %s deleted", id)
	return nil
}

// Restore uploads the user rules of a stored snapshot. The current rules are snapshotted first.
func (a *Applier) Restore(ctx context.Context, id string) error {
	if a.storage == nil {
		return errors.New("snapshot storage is not configured")
	}
	snap, err := a.storage.GetSnapshot(a.networkID, id)
	if err != nil {
		return err
	}
	target := models.SplitTerminal(snap.Rules)
	for i, r := range target.Rules {
		if f := r.MissingField(); f != "" {
			return &reconcile.MalformedRuleError{Index: i, Field: f}
		}
	}

	current, err := a.store.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch rules: %w", err)
	}
	if err := report.Rules(a.out, fmt.Sprintf("Snapshot %s", id), target.Rules); err != nil {
		return err
	}
	if a.dryRun {
		log.Info("Dry run, snapshot not restored")
		return nil
	}
	if _, err := a.snapshot(current, reasonRestore); err != nil {
		return err
	}
	code, err := a.store.Replace(ctx, target.Rules)
	if err != nil {
		return fmt.Errorf("replace rules: %w", err)
	}
	log.Infof("Snapshot %s restored with HTTP response status code of %d", id, code)
	return nil
}

// Mirror reconciles the current rules and loads the result, default rule last,
// into a local iptables chain. Nothing is touched unless every rule translates.
func (a *Applier) Mirror(ctx context.Context) (int, error) {
	if a.fw == nil {
		return 0, errors.New("firewall is not configured")
	}
	set, err := a.store.Fetch(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch rules: %w", err)
	}
	res, err := reconcile.Reconcile(set, reconcile.WithSemanticTieBreak(a.tieBreak))
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}

	rules := res.Cleaned
	if set.Terminal != nil {
		rules = append(append([]models.Rule(nil), rules...), *set.Terminal)
	}
	var specs [][]string
	for i, r := range rules {
		s, err := ipt.Rulespecs(r)
		if err != nil {
			return 0, fmt.Errorf("rule %d: %w", i, err)
		}
		specs = append(specs, s...)
	}

	existed, err := a.fw.EnsureChain(iptTable, a.chain, "")
	if err != nil {
		return 0, err
	}
	if existed {
		if err := a.fw.ClearChain(iptTable, a.chain); err != nil {
			return 0, err
		}
	}
	for _, spec := range specs {
		if err := a.fw.AppendRule(iptTable, a.chain, spec...); err != nil {
			return 0, err
		}
	}
	log.Infof("Mirrored %d rules as %d iptables rules into %s/%s", len(rules), len(specs), iptTable, a.chain)
	return len(specs), nil
}

// Unmirror removes the local staging chain.
func (a *Applier) Unmirror() error {
	if a.fw == nil {
		return errors.New("firewall is not configured")
	}
	if err := a.fw.DeleteChain(iptTable, a.chain); err != nil {
		return err
	}
	log.Infof("Removed chain %s/%s", iptTable, a.chain)
	return nil
}
