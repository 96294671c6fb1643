// Package approval decides which proposed actions need a human decision
// before they execute, based on the session's autonomy mode and a
// configurable risk policy.
package approval

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/outreach/internal/persistence"
	"gopkg.in/yaml.v3"
)

// Action is one proposed side effect under consideration.
type Action struct {
	Name   string // e.g. "send_message"
	Target string // recipient or object of the action
}

// Checker is the predicate injected into the session orchestrator.
type Checker interface {
	RequiresApproval(mode persistence.AutonomyMode, action Action) bool
	PolicyVersion() string
}

var knownActions = map[string]struct{}{
	"send_message":      {},
	"send_alert":        {},
	"flag_issue":        {},
	"close_thread":      {},
	"update_context":    {},
	"schedule_followup": {},
	"note":              {},
}

// Policy is the serializable risk policy.
type Policy struct {
	// ExternalActions have side effects outside the system. Under manual
	// mode every one of them requires approval.
	ExternalActions []string `yaml:"external_actions"`

	// HighRiskActions require approval even under semi_auto.
	HighRiskActions []string `yaml:"high_risk_actions"`
}

// Default treats outbound messages and alerts as external and high risk.
func Default() Policy {
	return Policy{
		ExternalActions: []string{"send_message", "send_alert", "schedule_followup"},
		HighRiskActions: []string{"send_message", "send_alert"},
	}
}

// Load reads a risk policy file. A missing or empty file yields the default.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read risk policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse risk policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for _, name := range append(append([]string{}, p.ExternalActions...), p.HighRiskActions...) {
		action := strings.ToLower(strings.TrimSpace(name))
		if action == "" {
			continue
		}
		if _, ok := knownActions[action]; !ok {
			return fmt.Errorf("unknown action %q", name)
		}
	}
	return nil
}

func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

// RequiresApproval applies the autonomy rules: manual gates every external
// action, semi_auto gates only high-risk ones, full_auto gates nothing.
func (p Policy) RequiresApproval(mode persistence.AutonomyMode, action Action) bool {
	name := strings.ToLower(strings.TrimSpace(action.Name))
	if name == "" {
		return false
	}
	switch mode {
	case persistence.ModeManual:
		return containsNormalized(p.ExternalActions, name)
	case persistence.ModeSemiAuto:
		return containsNormalized(p.HighRiskActions, name)
	case persistence.ModeFullAuto:
		return false
	default:
		// Unknown mode: fail closed.
		return true
	}
}

// External reports whether the action has a side effect outside the system.
func (p Policy) External(action Action) bool {
	return containsNormalized(p.ExternalActions, strings.ToLower(strings.TrimSpace(action.Name)))
}

func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	for _, v := range p.ExternalActions {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	_, _ = h.Write([]byte("high:"))
	for _, v := range p.HighRiskActions {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "risk-" + strconv.FormatUint(h.Sum64(), 16)
}

// LivePolicy wraps a Policy with thread-safe reload for the file watcher.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) RequiresApproval(mode persistence.AutonomyMode, action Action) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.RequiresApproval(mode, action)
}

func (lp *LivePolicy) External(action Action) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.External(action)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.PolicyVersion()
}

// Reload replaces the policy data from a fresh snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return Policy{
		ExternalActions: append([]string(nil), lp.data.ExternalActions...),
		HighRiskActions: append([]string(nil), lp.data.HighRiskActions...),
	}
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}
