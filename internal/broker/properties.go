package broker

import "sort"

// PropertiesSet is a mapping from environment-key to optional value
// (spec.md §3.3). A key present with value == nil records an "explicit
// unset", which is why this is not simply map[string]string. Snapshot
// reports such unsets; Env, the form handed to spawned workers, omits them,
// so a worker is not told about an explicit unset and keeps any value it
// inherits from the daemon's own environment.
// PropertiesSet is mutated only by the control plane, from the reactor
// goroutine.
type PropertiesSet struct {
	m map[string]*string
}

// NewPropertiesSet creates an empty PropertiesSet.
func NewPropertiesSet() *PropertiesSet {
	return &PropertiesSet{m: make(map[string]*string)}
}

// Set upserts key=value, or records an explicit unset when unset is true
// (see ControlPlane's SET_ENV parsing: "k=v" vs "k=").
func (p *PropertiesSet) Set(key, value string, unset bool) {
	if unset {
		p.m[key] = nil
		return
	}
	v := value
	p.m[key] = &v
}

// Snapshot returns a copy of the set. Unset keys are included with a nil
// value. Spawned workers receive Env, not Snapshot.
func (p *PropertiesSet) Snapshot() map[string]*string {
	out := make(map[string]*string, len(p.m))
	for k, v := range p.m {
		out[k] = v
	}
	return out
}

// Env renders the set as a sorted "KEY=VALUE" slice suitable for
// exec.Cmd.Env, omitting explicitly-unset keys (they have no environment
// representation).
func (p *PropertiesSet) Env() []string {
	keys := make([]string, 0, len(p.m))
	for k := range p.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := p.m[k]; v != nil {
			out = append(out, k+"="+*v)
		}
	}
	return out
}
