package engagement

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/EngagePipe/internal/models"
)

// Edge is one accepted (state, trigger) pair of the transition table.
type Edge struct {
	From        models.State        `json:"from"`
	Trigger     models.Trigger      `json:"trigger"`
	To          models.State        `json:"to"`
	SideEffects []models.SideEffect `json:"side_effects"`
	NoOp        bool                `json:"no_op,omitempty"`
}

// Edges enumerates every accepted pair by asking Plan about each state and
// trigger, so the listing can never drift from the rules.
func (p Policy) Edges() []Edge {
	ref := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	var edges []Edge
	for _, st := range models.AllStates() {
		cur := sampleState(st, ref)
		for _, tr := range models.AllTriggers() {
			plan, err := p.Plan(cur, tr, ref.Add(p.GoodbyeTimeout+p.RemindAfter))
			if err != nil {
				continue
			}
			edges = append(edges, Edge{From: st, Trigger: tr, To: plan.To, SideEffects: plan.SideEffects, NoOp: plan.NoOp})
		}
	}
	return edges
}

// Accepts reports whether trigger is valid from state.
func (p Policy) Accepts(state models.State, trigger models.Trigger) bool {
	ref := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := p.Plan(sampleState(state, ref), trigger, ref)
	return err == nil
}

// sampleState builds a record in st that satisfies the ownership invariant.
func sampleState(st models.State, at time.Time) models.EngagementState {
	s := models.EngagementState{UserID: "sample", State: st, LastActivityAt: at, Version: 1, CreatedAt: at, UpdatedAt: at}
	switch st {
	case models.StateGoodbyeSent:
		sent, expires := at, at.Add(48*time.Hour)
		s.GoodbyeSentAt, s.GoodbyeExpiresAt = &sent, &expires
	case models.StateRemindLater:
		remind := at
		s.RemindAt = &remind
	}
	return s
}

// RenderTable formats the transition table one edge per line:
//
//	active --inactivity_14d--> goodbye_sent effects=queued_goodbye_message,goodbye_timer_started
func (p Policy) RenderTable() string {
	var b strings.Builder
	for _, e := range p.Edges() {
		fmt.Fprintf(&b, "%s --%s--> %s", e.From, e.Trigger, e.To)
		if e.NoOp {
			b.WriteString(" (no-op)")
		}
		if len(e.SideEffects) > 0 {
			names := make([]string, len(e.SideEffects))
			for i, se := range e.SideEffects {
				names[i] = string(se)
			}
			b.WriteString(" effects=" + strings.Join(names, ","))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
