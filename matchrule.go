package zbus

import (
	"fmt"
	"strings"
)

// MatchRule selects messages by type, origin and addressing. Empty fields are
// wildcards. The bus treats the rendered expression opaquely; the same string
// is also what the connection refcounts.
type MatchRule struct {
	Type      MessageType
	Sender    string
	Path      ObjectPath
	Interface string
	Member    string
	Arg0      string
}

// String renders the rule as a D-Bus match expression.
func (r *MatchRule) String() string {
	params := make([]string, 0, 6)
	if r.Type != TypeInvalid {
		params = append(params, fmt.Sprintf("type='%s'", r.Type))
	}
	if r.Sender != "" {
		params = append(params, fmt.Sprintf("sender='%s'", r.Sender))
	}
	if r.Path != "" {
		params = append(params, fmt.Sprintf("path='%s'", r.Path))
	}
	if r.Interface != "" {
		params = append(params, fmt.Sprintf("interface='%s'", r.Interface))
	}
	if r.Member != "" {
		params = append(params, fmt.Sprintf("member='%s'", r.Member))
	}
	if r.Arg0 != "" {
		params = append(params, fmt.Sprintf("arg0='%s'", r.Arg0))
	}
	return strings.Join(params, ",")
}

// Match reports whether msg satisfies the rule. The sender comparison is
// literal; resolving well-known names to their owner is the subscriber's job.
func (r *MatchRule) Match(msg *Message) bool {
	if r.Type != TypeInvalid && r.Type != msg.Type {
		return false
	}
	if r.Sender != "" && r.Sender != msg.Sender {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Iface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.Arg0 != "" {
		if len(msg.Body) == 0 {
			return false
		}
		arg0, ok := msg.Body[0].(string)
		if !ok || arg0 != r.Arg0 {
			return false
		}
	}
	return true
}
