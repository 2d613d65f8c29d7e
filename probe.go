package stoat

import "strings"

// ProbeEntry is one line of a state machine's diagnostic description.
type ProbeEntry struct {
	Scope      string
	Activity   string
	Properties map[string]string
}

// ProbeContext collects the diagnostic description of activities.
type ProbeContext struct {
	scope   []string
	entries []ProbeEntry
}

// Add records an activity with alternating key/value properties.
func (p *ProbeContext) Add(activity string, kv ...string) {
	entry := ProbeEntry{
		Scope:    strings.Join(p.scope, " / "),
		Activity: activity,
	}
	if len(kv) > 1 {
		entry.Properties = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			entry.Properties[kv[i]] = kv[i+1]
		}
	}
	p.entries = append(p.entries, entry)
}

// Within runs fn with name pushed onto the scope.
func (p *ProbeContext) Within(name string, fn func()) {
	p.scope = append(p.scope, name)
	defer func() { p.scope = p.scope[:len(p.scope)-1] }()
	fn()
}

// Entries returns the collected entries.
func (p *ProbeContext) Entries() []ProbeEntry {
	return p.entries
}

// Activities returns the activity names in probe order.
func (p *ProbeContext) Activities() []string {
	names := make([]string, len(p.entries))
	for i, e := range p.entries {
		names[i] = e.Activity
	}
	return names
}

// Visitor walks the declared structure of a state machine: states, events
// and the activities bound to them.
type Visitor interface {
	Visit(node interface{})
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(node interface{})

// Visit calls f(node).
func (f VisitorFunc) Visit(node interface{}) {
	f(node)
}
