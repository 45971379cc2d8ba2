// Package report renders rule sets and reconciliation results for operators.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/olekukonko/tablewriter"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
	"github.com/hornwind/l3-rule-cleanup/internal/reconcile"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(s))
	switch f {
	case "":
		return FormatTable, nil
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("invalid format %q: must be one of: table, json, yaml", s)
}

var ruleHeaders = []string{"Rule", "Comment", "Policy", "Protocol", "Src Port", "Src CIDR", "Dest Port", "Dest CIDR", "SYSLOG"}

func ruleRow(i int, r models.Rule) []any {
	return []any{
		strconv.Itoa(i),
		r.Comment,
		string(r.Policy),
		r.Protocol,
		r.SrcPort,
		r.SrcCidr,
		r.DestPort,
		r.DestCidr,
		strconv.FormatBool(r.SyslogEnabled),
	}
}

func renderTable(w io.Writer, title string, headers []string, rows [][]any) error {
	if _, err := fmt.Fprintln(w, title); err != nil {
		return err
	}
	table := tablewriter.NewTable(w)

	h := make([]any, len(headers))
	for i, v := range headers {
		h[i] = v
	}
	table.Header(h...)

	for _, row := range rows {
		if err := table.Append(row...); err != nil {
			return err
		}
	}
	return table.Render()
}

// Before renders the fetched rules, terminal rule included, marking exact duplicates.
func Before(w io.Writer, set models.RuleSet, duplicates []int) error {
	dup := make(map[int]bool, len(duplicates))
	for _, i := range duplicates {
		dup[i] = true
	}

	headers := append(append([]string(nil), ruleHeaders...), "Dup Rule")
	rows := make([][]any, 0, len(set.Rules)+1)
	for i, r := range set.All() {
		mark := ""
		if dup[i] {
			mark = "true"
		}
		rows = append(rows, append(ruleRow(i, r), mark))
	}
	return renderTable(w, "L3 Firewall Rules Before", headers, rows)
}

// After renders the rules that will be uploaded. The dashboard adds its default rule itself.
func After(w io.Writer, rules []models.Rule) error {
	rows := make([][]any, 0, len(rules))
	for i, r := range rules {
		rows = append(rows, ruleRow(i, r))
	}
	return renderTable(w, "L3 Firewall Rules After", ruleHeaders, rows)
}

func Rules(w io.Writer, title string, rules []models.Rule) error {
	rows := make([][]any, 0, len(rules))
	for i, r := range rules {
		rows = append(rows, ruleRow(i, r))
	}
	return renderTable(w, title, ruleHeaders, rows)
}

func Snapshots(w io.Writer, list []models.Snapshot) error {
	rows := make([][]any, 0, len(list))
	for _, s := range list {
		rows = append(rows, []any{s.ID, s.Timestamp.Format("2006-01-02 15:04:05"), strconv.Itoa(len(s.Rules)), s.Reason})
	}
	return renderTable(w, "Rule Snapshots", []string{"ID", "Time", "Rules", "Reason"}, rows)
}

func Summary(w io.Writer, before int, res reconcile.Result) error {
	_, err := fmt.Fprintf(w,
		"%d user rules before, %d after: removed %d (%d exact copies, %d comment-only duplicates)\n",
		before, len(res.Cleaned), res.Removed, res.ExactRemoved, res.SemanticRemoved)
	if err != nil {
		return err
	}
	if !res.Changed {
		_, err = fmt.Fprintln(w, "No change in rules.")
	}
	return err
}

// Diff writes a unified diff of the two rule lists, one line per rule.
func Diff(w io.Writer, before, after []models.Rule) error {
	diff := difflib.UnifiedDiff{
		A:        lines(before),
		B:        lines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  2,
	}
	return difflib.WriteUnifiedDiff(w, diff)
}

func lines(rules []models.Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = fmt.Sprintf("%s %s src=%s:%s dst=%s:%s syslog=%t # %s\n",
			r.Policy, r.Protocol, r.SrcCidr, r.SrcPort, r.DestCidr, r.DestPort, r.SyslogEnabled, r.Comment)
	}
	return out
}

// Document is the machine readable form of one reconciliation cycle.
type Document struct {
	NetworkID string        `json:"networkId" yaml:"networkId"`
	CycleID   string        `json:"cycleId" yaml:"cycleId"`
	Before    []models.Rule `json:"before" yaml:"before"`
	After     []models.Rule `json:"after" yaml:"after"`
	Removed   int           `json:"removed" yaml:"removed"`
	Changed   bool          `json:"changed" yaml:"changed"`
	Applied   bool          `json:"applied" yaml:"applied"`
}

func Encode(w io.Writer, f Format, doc Document) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		data, err := yaml.MarshalWithOptions(doc, yaml.Indent(2), yaml.IndentSequence(false))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	return fmt.Errorf("format %s is not a document format", f)
}
