package iptables

import (
	"sync"

	iptables "github.com/coreos/go-iptables/iptables"
	"github.com/hornwind/l3-rule-cleanup/internal/models"
	_ "github.com/hornwind/l3-rule-cleanup/pkg/log"
	log "github.com/sirupsen/logrus"
)

// runner is the part of *iptables.IPTables used here.
type runner interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
	Append(table, chain string, rulespec ...string) error
}

type Iptables struct {
	mu       sync.Mutex
	iptables runner
}

var _ models.Firewall = (*Iptables)(nil)

func NewIptables() (*Iptables, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, err
	}
	return &Iptables{iptables: ipt}, nil
}

// EnsureChain checks if the specified chain exists and, if not, creates it.  If the chain existed, return true.
// User-defined chains have no policy of their own, so policy is appended as the final jump.
func (ipt *Iptables) EnsureChain(table, chain, policy string) (bool, error) {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	ok, err := ipt.iptables.ChainExists(table, chain)
	if err != nil {
		log.Error(err)
		return false, err
	}
	if ok {
		return true, nil
	}
	if err := ipt.iptables.NewChain(table, chain); err != nil {
		log.Errorf("Create chain %s in table %s failed: %v", chain, table, err)
		return false, err
	}
	if policy != "" {
		if err := ipt.iptables.Append(table, chain, "-j", policy); err != nil {
			log.Errorf("Append policy %s to chain %s in table %s failed: %v", policy, chain, table, err)
			return false, err
		}
	}
	return false, nil
}

// ClearChain flushes the chain, creating it when missing.
func (ipt *Iptables) ClearChain(table, chain string) error {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	if err := ipt.iptables.ClearChain(table, chain); err != nil {
		log.Errorf("Clear chain %s in table %s failed: %v", chain, table, err)
		return err
	}
	return nil
}

// DeleteChain removes the chain if it is present.
func (ipt *Iptables) DeleteChain(table, chain string) error {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	ok, err := ipt.iptables.ChainExists(table, chain)
	if err != nil {
		log.Error(err)
		return err
	}
	if ok {
		if err := ipt.iptables.ClearAndDeleteChain(table, chain); err != nil {
			log.Errorf("Delete chain %s in table %s failed: %v", chain, table, err)
			return err
		}
	}
	return nil
}

func (ipt *Iptables) AppendRule(table, chain string, rulespec ...string) error {
	ipt.mu.Lock()
	defer ipt.mu.Unlock()
	if err := ipt.iptables.Append(table, chain, rulespec...); err != nil {
		log.Errorf("Append rule into chain %s in table %s failed: %v", chain, table, err)
		return err
	}
	return nil
}
