package models

import (
	"context"
	"encoding/json"
	"time"
)

type Policy string

const (
	PolicyAllow Policy = "allow"
	PolicyDeny  Policy = "deny"
)

func (p Policy) Valid() bool {
	return p == PolicyAllow || p == PolicyDeny
}

// Rule is a single layer-3 firewall entry as returned by the dashboard API.
type Rule struct {
	Comment       string `json:"comment"`
	Policy        Policy `json:"policy"`
	Protocol      string `json:"protocol"`
	SrcPort       string `json:"srcPort"`
	SrcCidr       string `json:"srcCidr"`
	DestPort      string `json:"destPort"`
	DestCidr      string `json:"destCidr"`
	SyslogEnabled bool   `json:"syslogEnabled"`

	// fields absent from the decoded JSON object
	missing []string
}

type wireRule struct {
	Comment       *string `json:"comment"`
	Policy        *Policy `json:"policy"`
	Protocol      *string `json:"protocol"`
	SrcPort       *string `json:"srcPort"`
	SrcCidr       *string `json:"srcCidr"`
	DestPort      *string `json:"destPort"`
	DestCidr      *string `json:"destCidr"`
	SyslogEnabled *bool   `json:"syslogEnabled"`
}

// UnmarshalJSON decodes a rule and remembers which required fields were absent.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w wireRule
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*r = Rule{}
	str := func(name string, src *string, dst *string) {
		if src == nil {
			r.missing = append(r.missing, name)
			return
		}
		*dst = *src
	}
	// the key must be present, an empty comment is fine
	str("comment", w.Comment, &r.Comment)
	if w.Policy == nil {
		r.missing = append(r.missing, "policy")
	} else {
		r.Policy = *w.Policy
	}
	str("protocol", w.Protocol, &r.Protocol)
	str("srcPort", w.SrcPort, &r.SrcPort)
	str("srcCidr", w.SrcCidr, &r.SrcCidr)
	str("destPort", w.DestPort, &r.DestPort)
	str("destCidr", w.DestCidr, &r.DestCidr)
	if w.SyslogEnabled == nil {
		r.missing = append(r.missing, "syslogEnabled")
	} else {
		r.SyslogEnabled = *w.SyslogEnabled
	}
	return nil
}

// MissingField returns the first required field that is absent or empty, or "" if the rule is complete.
// comment only counts as missing when a decoded object lacked the key.
func (r Rule) MissingField() string {
	if len(r.missing) > 0 {
		return r.missing[0]
	}
	switch {
	case r.Policy == "":
		return "policy"
	case r.Protocol == "":
		return "protocol"
	case r.SrcPort == "":
		return "srcPort"
	case r.SrcCidr == "":
		return "srcCidr"
	case r.DestPort == "":
		return "destPort"
	case r.DestCidr == "":
		return "destCidr"
	}
	return ""
}

// Equal reports whether two rules match on every field, comment included.
func (r Rule) Equal(o Rule) bool {
	return r.Comment == o.Comment && r.Key() == o.Key()
}

// Key returns the comment-insensitive part of the rule.
func (r Rule) Key() SemanticKey {
	return SemanticKey{
		Policy:        r.Policy,
		Protocol:      r.Protocol,
		SrcPort:       r.SrcPort,
		SrcCidr:       r.SrcCidr,
		DestPort:      r.DestPort,
		DestCidr:      r.DestCidr,
		SyslogEnabled: r.SyslogEnabled,
	}
}

// SemanticKey holds the fields that decide whether two rules do the same thing.
type SemanticKey struct {
	Policy        Policy
	Protocol      string
	SrcPort       string
	SrcCidr       string
	DestPort      string
	DestCidr      string
	SyslogEnabled bool
}

// RuleSet is an ordered rule list with the dashboard-managed default rule kept apart.
type RuleSet struct {
	Rules    []Rule
	Terminal *Rule
}

// SplitTerminal detaches the last element of a fetched list as the terminal rule.
func SplitTerminal(rules []Rule) RuleSet {
	if len(rules) == 0 {
		return RuleSet{}
	}
	terminal := rules[len(rules)-1]
	user := make([]Rule, len(rules)-1)
	copy(user, rules[:len(rules)-1])
	return RuleSet{Rules: user, Terminal: &terminal}
}

// All returns the user rules followed by the terminal rule, if any.
func (s RuleSet) All() []Rule {
	out := make([]Rule, 0, len(s.Rules)+1)
	out = append(out, s.Rules...)
	if s.Terminal != nil {
		out = append(out, *s.Terminal)
	}
	return out
}

type Snapshot struct {
	ID        string
	NetworkID string
	Timestamp time.Time
	Reason    string
	Rules     []Rule
}

type Repository interface {
	SaveSnapshot(s *Snapshot) error
	GetSnapshot(networkID, id string) (*Snapshot, error)
	ListSnapshots(networkID string) ([]Snapshot, error)
	DeleteSnapshot(networkID, id string) error
}

// Store is the remote rule list of a single network.
type Store interface {
	// Fetch returns the current rules with the terminal rule detached.
	Fetch(ctx context.Context) (RuleSet, error)
	// Replace overwrites the user rules. The remote side appends its own terminal rule.
	Replace(ctx context.Context, rules []Rule) (int, error)
}

type Firewall interface {
	// EnsureChain checks if the specified chain exists and, if not, creates it.  If the chain existed, return true.
	EnsureChain(table, chain, policy string) (bool, error)
	// ClearChain removes every rule from the specified chain.
	ClearChain(table, chain string) error
	// DeleteChain deletes the specified chain.  If the chain did not exist, return error.
	DeleteChain(table, chain string) error
	// AppendRule appends the rule to the end of the chain.
	AppendRule(table, chain string, rulespec ...string) error
}
