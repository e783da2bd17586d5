package attest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AllowlistMode governs how code measurements are admitted.
type AllowlistMode string

const (
	// ModeExplicit admits only measurements configured up front.
	ModeExplicit AllowlistMode = "explicit"
	// ModeTOFU locks onto the first measurement admitted and requires
	// every later one to match it.
	ModeTOFU AllowlistMode = "tofu"
	// ModeOpen admits anything. Demo deployments only.
	ModeOpen AllowlistMode = "open"
)

// Allowlist decides which RTMR3 measurements may join the casino.
type Allowlist struct {
	mode AllowlistMode

	mu     sync.Mutex
	values map[string]struct{}
}

func NewAllowlist(mode AllowlistMode, seeds []string) *Allowlist {
	a := &Allowlist{mode: mode, values: make(map[string]struct{}, len(seeds))}
	for _, s := range seeds {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			a.values[s] = struct{}{}
		}
	}
	return a
}

func (a *Allowlist) Mode() AllowlistMode { return a.mode }

// Admit checks rtmr3 against the list. In TOFU mode the first admitted
// measurement becomes the list, so callers admit only after every
// signature check has passed.
func (a *Allowlist) Admit(rtmr3 string) error {
	rtmr3 = strings.ToLower(rtmr3)
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.mode {
	case ModeOpen:
		return nil
	case ModeTOFU:
		if len(a.values) == 0 {
			a.values[rtmr3] = struct{}{}
			return nil
		}
		if _, ok := a.values[rtmr3]; ok {
			return nil
		}
		return fmt.Errorf("rtmr3 %s not in allowlist (locked on first use)", rtmr3)
	default:
		if _, ok := a.values[rtmr3]; ok {
			return nil
		}
		return fmt.Errorf("rtmr3 %s not in allowlist", rtmr3)
	}
}

// Values snapshots the admitted measurements, sorted.
func (a *Allowlist) Values() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.values))
	for v := range a.values {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
