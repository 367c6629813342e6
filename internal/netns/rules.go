package netns

import (
	"fmt"
	"strings"
)

const natCommentPrefix = "vpnns:"

// Rule is one line of "iptables -S" output, split into arguments.
type Rule struct {
	Table string
	Chain string
	Args  []string
}

// Comment returns the value of the rule's comment match.
func (r Rule) Comment() string {
	return r.value("--comment")
}

// Source returns the rule's -s value.
func (r Rule) Source() string {
	return r.value("-s")
}

// Target returns the rule's -j value.
func (r Rule) Target() string {
	return r.value("-j")
}

func (r Rule) value(flag string) string {
	for i := 0; i+1 < len(r.Args); i++ {
		if r.Args[i] == flag {
			return r.Args[i+1]
		}
	}
	return ""
}

// ListRules parses "iptables -t table -S chain".
func ListRules(exec Executor, table, chain string) ([]Rule, error) {
	out, err := exec.Output("iptables", "-t", table, "-S", chain)
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", table, chain, err)
	}
	var rules []Rule
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) < 2 || fields[0] != "-A" || fields[1] != chain {
			continue
		}
		args := make([]string, 0, len(fields)-2)
		for _, field := range fields[2:] {
			args = append(args, strings.Trim(field, `"`))
		}
		rules = append(rules, Rule{Table: table, Chain: chain, Args: args})
	}
	return rules, nil
}

// DeleteRules removes every rule in table/chain accepted by match and returns how
// many were deleted.
func DeleteRules(exec Executor, table, chain string, match func(Rule) bool) (int, error) {
	rules, err := ListRules(exec, table, chain)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rule := range rules {
		if !match(rule) {
			continue
		}
		args := append([]string{"-t", table, "-D", chain}, rule.Args...)
		if err := exec.Run("iptables", args...); err != nil {
			return deleted, fmt.Errorf("delete %s/%s rule: %w", table, chain, err)
		}
		deleted++
	}
	return deleted, nil
}

func natComment(namespace string) string {
	return natCommentPrefix + namespace
}

func (p *Provisioner) installNAT(namespace string, a Addressing) error {
	comment := natComment(namespace)
	commands := [][]string{
		{"sysctl", "-w", "net.ipv4.ip_forward=1"},
		{"iptables", "-t", "nat", "-A", "POSTROUTING", "-s", a.Block.String(), "!", "-o", a.HostVeth,
			"-m", "comment", "--comment", comment, "-j", "MASQUERADE"},
		{"iptables", "-t", "filter", "-I", "FORWARD", "-i", a.HostVeth,
			"-m", "comment", "--comment", comment, "-j", "ACCEPT"},
		{"iptables", "-t", "filter", "-I", "FORWARD", "-o", a.HostVeth,
			"-m", "comment", "--comment", comment, "-j", "ACCEPT"},
	}
	for _, cmd := range commands {
		if err := p.exec.Run(cmd[0], cmd[1:]...); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) removeNAT(namespace string) error {
	comment := natComment(namespace)
	byComment := func(r Rule) bool { return r.Comment() == comment }
	if _, err := DeleteRules(p.exec, "nat", "POSTROUTING", byComment); err != nil {
		return err
	}
	_, err := DeleteRules(p.exec, "filter", "FORWARD", byComment)
	return err
}

// removePoolNAT deletes any tagged rule, and any MASQUERADE rule sourced from the
// address pool, left by namespaces that no longer exist.
func (p *Provisioner) removePoolNAT() (int, error) {
	orphan := func(r Rule) bool {
		if strings.HasPrefix(r.Comment(), natCommentPrefix) {
			return true
		}
		return r.Target() == "MASQUERADE" && InPool(r.Source())
	}
	natCount, err := DeleteRules(p.exec, "nat", "POSTROUTING", orphan)
	if err != nil {
		return natCount, err
	}
	fwdCount, err := DeleteRules(p.exec, "filter", "FORWARD", func(r Rule) bool {
		return strings.HasPrefix(r.Comment(), natCommentPrefix)
	})
	return natCount + fwdCount, err
}
