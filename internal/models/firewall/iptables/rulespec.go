package iptables

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
)

const anyValue = "any"

// Rulespecs translates a dashboard rule into one or more iptables rulespecs.
// Comma separated CIDR lists expand into one rulespec per source/destination pair.
func Rulespecs(r models.Rule) ([][]string, error) {
	proto := strings.ToLower(r.Protocol)
	switch proto {
	case anyValue, "tcp", "udp", "icmp":
	case "icmp6":
		return nil, fmt.Errorf("protocol %s is not supported by iptables, use ip6tables", r.Protocol)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", r.Protocol)
	}

	srcs, err := cidrs(r.SrcCidr)
	if err != nil {
		return nil, fmt.Errorf("srcCidr: %w", err)
	}
	dsts, err := cidrs(r.DestCidr)
	if err != nil {
		return nil, fmt.Errorf("destCidr: %w", err)
	}

	var common []string
	if proto != anyValue {
		common = append(common, "-p", proto)
	}
	portArgs, err := ports(proto, r.SrcPort, r.DestPort)
	if err != nil {
		return nil, err
	}
	common = append(common, portArgs...)

	target := "DROP"
	if r.Policy == models.PolicyAllow {
		target = "ACCEPT"
	}

	var specs [][]string
	for _, s := range srcs {
		for _, d := range dsts {
			spec := append([]string(nil), common...)
			if s != "" {
				spec = append(spec, "-s", s)
			}
			if d != "" {
				spec = append(spec, "-d", d)
			}
			if r.Comment != "" {
				spec = append(spec, "-m", "comment", "--comment", truncate(r.Comment, 255))
			}
			if r.SyslogEnabled {
				// LOG is non-terminating, it is emitted as a separate rule ahead of the verdict
				specs = append(specs, append(append([]string(nil), spec...), "-j", "LOG", "--log-prefix", "meraki-l3: "))
			}
			specs = append(specs, append(spec, "-j", target))
		}
	}
	return specs, nil
}

func cidrs(v string) ([]string, error) {
	if strings.EqualFold(strings.TrimSpace(v), anyValue) {
		return []string{""}, nil
	}
	var out []string
	for _, c := range strings.Split(v, ",") {
		c = strings.TrimSpace(c)
		if ip := net.ParseIP(c); ip != nil {
			if ip.To4() == nil {
				return nil, fmt.Errorf("%s is not an IPv4 address", c)
			}
			out = append(out, c)
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("%q is not an address or CIDR", c)
		}
		if n.IP.To4() == nil {
			return nil, fmt.Errorf("%s is not an IPv4 network", c)
		}
		out = append(out, n.String())
	}
	return out, nil
}

func ports(proto, src, dst string) ([]string, error) {
	srcAny := strings.EqualFold(src, anyValue)
	dstAny := strings.EqualFold(dst, anyValue)
	if srcAny && dstAny {
		return nil, nil
	}
	if proto != "tcp" && proto != "udp" {
		return nil, fmt.Errorf("ports require tcp or udp, got %s", proto)
	}

	var args []string
	for _, p := range []struct {
		value string
		isAny bool
		flag  string
		multi string
	}{
		{src, srcAny, "--sport", "--sports"},
		{dst, dstAny, "--dport", "--dports"},
	} {
		if p.isAny {
			continue
		}
		list, err := portList(p.value)
		if err != nil {
			return nil, err
		}
		if len(list) == 1 {
			args = append(args, p.flag, list[0])
			continue
		}
		args = append(args, "-m", "multiport", p.multi, strings.Join(list, ","))
	}
	return args, nil
}

func portList(v string) ([]string, error) {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		lo, hi, isRange := strings.Cut(p, "-")
		if err := checkPort(lo); err != nil {
			return nil, err
		}
		if isRange {
			if err := checkPort(hi); err != nil {
				return nil, err
			}
			out = append(out, lo+":"+hi)
			continue
		}
		out = append(out, lo)
	}
	return out, nil
}

func checkPort(p string) error {
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", p)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
