// Package router maps inbound event names to the automations they trigger.
package router

import (
	"sort"
	"strings"

	"github.com/mattjoyce/conduit/internal/config"
)

// Router indexes automations by trigger. It is immutable after New and safe
// for concurrent use.
type Router struct {
	automations  []config.Automation
	triggerIndex map[string][]int
}

// New builds a Router. Automations are matched in name order.
func New(automations []config.Automation) *Router {
	sorted := append([]config.Automation(nil), automations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	r := &Router{
		automations:  sorted,
		triggerIndex: make(map[string][]int),
	}
	for i, a := range sorted {
		for _, on := range a.On {
			key := strings.TrimSpace(on)
			if containsIndex(r.triggerIndex[key], i) {
				continue
			}
			r.triggerIndex[key] = append(r.triggerIndex[key], i)
		}
	}
	return r
}

// Match returns the automations triggered by eventName. An automation
// listening on the base name ("issues") also matches every action
// ("issues.opened"). Each automation appears at most once.
func (r *Router) Match(eventName string) []config.Automation {
	if r == nil || eventName == "" {
		return nil
	}

	var idx []int
	idx = append(idx, r.triggerIndex[eventName]...)
	if base, _, ok := strings.Cut(eventName, "."); ok {
		for _, i := range r.triggerIndex[base] {
			if !containsIndex(idx, i) {
				idx = append(idx, i)
			}
		}
	}
	sort.Ints(idx)

	out := make([]config.Automation, 0, len(idx))
	for _, i := range idx {
		out = append(out, r.automations[i])
	}
	return out
}

// Automations returns every automation in name order.
func (r *Router) Automations() []config.Automation {
	if r == nil {
		return nil
	}
	return append([]config.Automation(nil), r.automations...)
}

// Triggers returns the distinct trigger names, sorted.
func (r *Router) Triggers() []string {
	out := make([]string, 0, len(r.triggerIndex))
	for k := range r.triggerIndex {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func containsIndex(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
