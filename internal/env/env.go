package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to the backend. Layers apply in order:
// host environment, configured variables, then per-launch overrides. Values
// may reference other keys as ${KEY}.
type Env struct {
	vars map[string]string
	base map[string]string // nil means read os.Environ lazily
}

func New() *Env { return &Env{vars: make(map[string]string)} }

// FromPairs replaces the host layer with pairs. A nil slice gives an empty
// base, so nothing is inherited from the host.
func (e *Env) FromPairs(pairs []string) *Env {
	e.base = toMap(pairs)
	return e
}

// Set adds a configured variable.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// SetPairs adds KEY=VALUE entries; malformed entries are skipped.
func (e *Env) SetPairs(pairs []string) {
	for k, v := range toMap(pairs) {
		e.Set(k, v)
	}
}

// Merge returns the composed environment as a sorted KEY=VALUE slice.
func (e *Env) Merge(overrides []string) []string {
	base := e.base
	if base == nil {
		base = toMap(os.Environ())
	}
	m := make(map[string]string, len(base)+len(e.vars)+len(overrides))
	for k, v := range base {
		m[k] = v
	}
	// only configured and override values are expanded; host values pass
	// through verbatim
	expandable := make(map[string]bool, len(e.vars)+len(overrides))
	for k, v := range e.vars {
		m[k] = v
		expandable[k] = true
	}
	for k, v := range toMap(overrides) {
		m[k] = v
		expandable[k] = true
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		if expandable[k] {
			v = expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the value of k in a KEY=VALUE slice.
func Lookup(pairs []string, k string) (string, bool) {
	prefix := k + "="
	for i := len(pairs) - 1; i >= 0; i-- {
		if strings.HasPrefix(pairs[i], prefix) {
			return pairs[i][len(prefix):], true
		}
	}
	return "", false
}

func toMap(pairs []string) map[string]string {
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand substitutes ${KEY} with the unexpanded value of KEY in m. References
// are resolved one level deep, so the result does not depend on map order.
// Unknown keys are left verbatim.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		key := s[i+2 : i+2+j]
		if v, ok := m[key]; ok && key != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
