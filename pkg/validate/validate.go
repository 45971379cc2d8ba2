package validate

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
	"github.com/hornwind/l3-rule-cleanup/pkg/config"
)

var protocols = map[string]struct{}{
	"any":   {},
	"tcp":   {},
	"udp":   {},
	"icmp":  {},
	"icmp6": {},
}

// ValidateConfig checks the settings every command needs.
func ValidateConfig(c config.Config) error {
	var errs []error
	if c.MerakiAPIKey == "" {
		errs = append(errs, errors.New("merakiApiKey is not set"))
	}
	if c.NetID == "" {
		errs = append(errs, errors.New("netId is not set"))
	} else if strings.ContainsAny(c.NetID, "/?# ") {
		errs = append(errs, fmt.Errorf("netId %q contains invalid characters", c.NetID))
	}
	if c.RequestTimeout < time.Millisecond {
		errs = append(errs, fmt.Errorf("requestTimeout must be at least 1ms, got %v (use a duration such as \"5s\")", c.RequestTimeout))
	}
	if c.RetryInitialDelay != 0 && c.RetryInitialDelay < time.Millisecond {
		errs = append(errs, fmt.Errorf("retryInitialDelay must be at least 1ms, got %v (use a duration such as \"1s\")", c.RetryInitialDelay))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retryAttempts must be at least 1, got %d", c.RetryAttempts))
	}
	return errors.Join(errs...)
}

// ValidateRule checks a user supplied rule before it is sent to the dashboard.
func ValidateRule(r models.Rule) error {
	if f := r.MissingField(); f != "" {
		return fmt.Errorf("field %s is required", f)
	}
	if !r.Policy.Valid() {
		return fmt.Errorf("policy %q must be allow or deny", r.Policy)
	}
	proto := strings.ToLower(r.Protocol)
	if _, ok := protocols[proto]; !ok {
		return fmt.Errorf("protocol %q not found in supported protocols", r.Protocol)
	}
	if err := ValidateCidrList(r.SrcCidr); err != nil {
		return fmt.Errorf("srcCidr: %w", err)
	}
	if err := ValidateCidrList(r.DestCidr); err != nil {
		return fmt.Errorf("destCidr: %w", err)
	}
	for name, p := range map[string]string{"srcPort": r.SrcPort, "destPort": r.DestPort} {
		if strings.EqualFold(p, "any") {
			continue
		}
		if proto != "tcp" && proto != "udp" {
			return fmt.Errorf("%s %s requires tcp or udp", name, p)
		}
		if err := ValidatePortList(p); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func ValidateCidrList(l string) error {
	if strings.EqualFold(l, "any") {
		return nil
	}
	for _, c := range strings.Split(l, ",") {
		c = strings.TrimSpace(c)
		if net.ParseIP(c) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(c); err != nil {
			return fmt.Errorf("%q is not an address or CIDR", c)
		}
	}
	return nil
}

func ValidatePortList(l string) error {
	for _, p := range strings.Split(l, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(p), "-")
		from, err := port(lo)
		if err != nil {
			return err
		}
		if !isRange {
			continue
		}
		to, err := port(hi)
		if err != nil {
			return err
		}
		if to < from {
			return fmt.Errorf("port range %s is reversed", p)
		}
	}
	return nil
}

func port(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}
