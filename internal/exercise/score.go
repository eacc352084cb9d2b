package exercise

import (
	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/state"
)

// ScoreDrill is a minimal accumulator exercise: inputs add to a running score
// and each round bumps the round counter. It exists both as the simplest
// useful exercise and as the reference module for orchestration tests.
type ScoreDrill struct {
	score int
	round int
}

// NewScoreDrill constructs a score drill starting at zero.
func NewScoreDrill() *ScoreDrill { return &ScoreDrill{} }

// ScoreDrillFactory adapts NewScoreDrill to the registry signature.
func ScoreDrillFactory(map[string]any) (Module, error) { return NewScoreDrill(), nil }

func (d *ScoreDrill) Name() string { return "score_drill" }

func (d *ScoreDrill) Advance() error {
	d.round++
	return nil
}

func (d *ScoreDrill) ApplyInput(input map[string]any) (map[string]any, error) {
	add, ok := numeric(input["add"])
	if !ok {
		return nil, errs.New("exercise", errs.CodeInvalid,
			errs.WithMessage("score drill input requires a numeric 'add' field"))
	}
	d.score += add
	return map[string]any{"score": d.score}, nil
}

func (d *ScoreDrill) Snapshot() state.State {
	return state.State{"score": d.score, "round": d.round}
}

func numeric(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
