package flow

import "time"

// RuleType is the action a rule performs when its matcher fires.
type RuleType string

const (
	RuleBreakpoint     RuleType = "breakpoint"
	RuleMapLocal       RuleType = "map_local"
	RuleMapRemote      RuleType = "map_remote"
	RuleBlock          RuleType = "block"
	RuleScript         RuleType = "script"
	RuleThrottle       RuleType = "throttle"
	RuleModifyHeaders  RuleType = "modify_headers"
	RuleModifyBody     RuleType = "modify_body"
)

// Phase selects which side of a flow a rule evaluates against.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
	PhaseBoth     Phase = "both"
)

// Action carries the type-specific parameters for a rule's effect. Only the
// fields relevant to Rule.Type are populated; this mirrors the matcher sum
// type's shape rather than using Go's type system for a closed union,
// matching how the rest of the data model keeps variant payloads inline.
type Action struct {
	// Block
	BlockStatus int
	BlockBody   []byte

	// MapRemote
	RemoteHost string
	RemotePort int
	PreservePathAndQuery bool

	// MapLocal
	LocalFilePath  string
	LocalStatus    int
	LocalContentType string

	// ModifyHeaders
	SetHeaders    map[string]string
	RemoveHeaders []string

	// ModifyBody
	ReplaceBody  []byte
	FindReplace  [][2]string

	// Script
	ScriptID string

	// Throttle
	ThrottlePreset string
}

// Rule ties a matcher to an action, with the priority/enable/hit-count
// bookkeeping the pipeline needs.
type Rule struct {
	ID              string
	Type            RuleType
	Phase           Phase
	Matcher         *Matcher
	Action          Action
	IsEnabled       bool
	Priority        int
	HitCount        int64
	LastTriggeredAt *time.Time
}

// RecordHit bumps the hit counter and timestamp, returning a new Rule value
// (rules are swapped wholesale on update, so this doesn't mutate in place).
func (r *Rule) RecordHit() *Rule {
	c := *r
	c.HitCount++
	now := time.Now()
	c.LastTriggeredAt = &now
	return &c
}

// SortRulesByPriorityDesc returns a copy of rules ordered by descending
// priority, the evaluation order §4.H requires ("first match per phase
// fires").
func SortRulesByPriorityDesc(rules []*Rule) []*Rule {
	out := append([]*Rule(nil), rules...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Priority < out[j].Priority; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
