package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CiaranWoodward/commbridge/errors"
)

// BroadcastHost is the destination host that sends a rule to every listener on a port
const BroadcastHost = "ALL"

// BroadcastAddress is where broadcast rules are sent
const BroadcastAddress = "255.255.255.255"

// Rule is one parsed share directive:
//
//	SRC@HOST:PORT [VAR1,VAR2] -> DST@HOST:PORT [ALIAS1,ALIAS2]
//
// The source endpoint may be left out, in which case the local community is the source.
type Rule struct {
	Source    Endpoint
	Variables []string
	Dest      Endpoint
	// Aliases[i] renames Variables[i] in the destination; missing or empty means no rename
	Aliases []string
	// Datagram rules are forwarded over the datagram side-channel
	Datagram bool
	// Text is the directive as written
	Text string
}

// Alias returns the destination name of Variables[i], or empty for no rename
func (r Rule) Alias(i int) string {
	if i < len(r.Aliases) {
		return r.Aliases[i]
	}
	return ""
}

// broadcastCommunity names the synthetic community of a broadcast port
func broadcastCommunity(port int) string {
	return fmt.Sprintf("%s:%d", BroadcastHost, port)
}

// ParseRule parses a share directive. local is the source of the abbreviated form.
// A broadcast destination (host ALL) becomes the community ALL:<port>, and its rule is
// forced into datagram mode.
func ParseRule(text string, local Endpoint, datagram bool) (Rule, error) {
	r := Rule{Text: text, Datagram: datagram}

	left, right, ok := strings.Cut(text, "->")
	if !ok || strings.Contains(right, "->") {
		return r, ruleError(text, "expected exactly one ->")
	}
	left = strings.TrimSpace(left)
	right = strings.TrimSpace(right)

	// Source side
	var srcText, varText string
	if strings.HasPrefix(left, "[") {
		r.Source = local
		varText = left
	} else {
		i := strings.Index(left, "[")
		if i < 0 {
			return r, ruleError(text, "missing variable list")
		}
		srcText, varText = strings.TrimSpace(left[:i]), left[i:]
		src, err := parseEndpoint(srcText)
		if err != nil {
			return r, ruleError(text, fmt.Sprintf("source: %v", err))
		}
		r.Source = src
	}
	vars, err := parseList(varText)
	if err != nil {
		return r, ruleError(text, fmt.Sprintf("variables: %v", err))
	}
	for _, v := range vars {
		if v == "" {
			return r, ruleError(text, "empty variable name")
		}
	}
	if len(vars) == 0 {
		return r, ruleError(text, "empty variable list")
	}
	r.Variables = vars

	// Destination side
	dstText, aliasText := right, ""
	if i := strings.Index(right, "["); i >= 0 {
		dstText, aliasText = strings.TrimSpace(right[:i]), right[i:]
	}
	dst, err := parseEndpoint(dstText)
	if err != nil {
		return r, ruleError(text, fmt.Sprintf("destination: %v", err))
	}
	if strings.EqualFold(dst.Host, BroadcastHost) {
		dst = Endpoint{Community: broadcastCommunity(dst.Port), Host: BroadcastAddress, Port: dst.Port}
		r.Datagram = true
	}
	r.Dest = dst

	if aliasText != "" {
		aliases, err := parseList(aliasText)
		if err != nil {
			return r, ruleError(text, fmt.Sprintf("aliases: %v", err))
		}
		if len(aliases) > len(vars) {
			return r, ruleError(text, fmt.Sprintf("%d aliases for %d variables", len(aliases), len(vars)))
		}
		r.Aliases = aliases
	}
	return r, nil
}

func ruleError(text, reason string) error {
	return fmt.Errorf("%q: %s: %w", text, reason, errors.ErrRuleParse)
}

// parseEndpoint parses COMMUNITY@HOST:PORT
func parseEndpoint(s string) (Endpoint, error) {
	community, hostport, ok := strings.Cut(s, "@")
	if !ok {
		return Endpoint{}, fmt.Errorf("%q is not COMMUNITY@HOST:PORT", s)
	}
	community = strings.TrimSpace(community)
	if community == "" {
		return Endpoint{}, fmt.Errorf("%q has no community", s)
	}
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return Endpoint{}, fmt.Errorf("%q has no port", s)
	}
	host := strings.TrimSpace(hostport[:i])
	if host == "" {
		return Endpoint{}, fmt.Errorf("%q has no host", s)
	}
	port, err := strconv.Atoi(strings.TrimSpace(hostport[i+1:]))
	if err != nil || port < 1 || port > 0xFFFF {
		return Endpoint{}, fmt.Errorf("%q has an invalid port", s)
	}
	return Endpoint{Community: community, Host: host, Port: port}, nil
}

// parseList parses [A,B,C]. Items are trimmed; empty items are kept so aliases stay positional.
func parseList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("%q is not a [list]", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return nil, nil
	}
	items := strings.Split(body, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	return items, nil
}
