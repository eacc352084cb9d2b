package exercise

import (
	"math/rand"

	"github.com/mindrill/mindrill/errs"
	"github.com/mindrill/mindrill/internal/state"
)

var sequenceSymbols = []string{"circle", "square", "triangle", "star", "cross", "wave"}

// SequenceRecall is a memory exercise: every round extends a symbol sequence,
// and the viewer answers with the full sequence. Wrong answers reset the
// streak and shrink the sequence by one.
type SequenceRecall struct {
	rng      *rand.Rand
	sequence []string
	round    int
	score    int
	streak   int
}

// NewSequenceRecall constructs a sequence-recall drill. A zero seed yields a
// fixed default so replays are reproducible.
func NewSequenceRecall(seed int64) *SequenceRecall {
	if seed == 0 {
		seed = 1
	}
	return &SequenceRecall{rng: rand.New(rand.NewSource(seed))}
}

// SequenceRecallFactory adapts NewSequenceRecall to the registry signature,
// reading an optional numeric "seed" option.
func SequenceRecallFactory(opts map[string]any) (Module, error) {
	seed, _ := numeric(opts["seed"])
	return NewSequenceRecall(int64(seed)), nil
}

func (d *SequenceRecall) Name() string { return "sequence_recall" }

func (d *SequenceRecall) Advance() error {
	d.round++
	d.sequence = append(d.sequence, sequenceSymbols[d.rng.Intn(len(sequenceSymbols))])
	return nil
}

func (d *SequenceRecall) ApplyInput(input map[string]any) (map[string]any, error) {
	raw, ok := input["answer"].([]any)
	if !ok {
		return nil, errs.New("exercise", errs.CodeInvalid,
			errs.WithMessage("sequence recall input requires an 'answer' list"))
	}
	correct := len(raw) == len(d.sequence)
	if correct {
		for i, item := range raw {
			sym, _ := item.(string)
			if sym != d.sequence[i] {
				correct = false
				break
			}
		}
	}
	if correct {
		d.streak++
		d.score += len(d.sequence) * d.streak
	} else {
		d.streak = 0
		if len(d.sequence) > 0 {
			d.sequence = d.sequence[:len(d.sequence)-1]
		}
	}
	return map[string]any{
		"correct": correct,
		"score":   d.score,
		"streak":  d.streak,
	}, nil
}

func (d *SequenceRecall) Snapshot() state.State {
	seq := make([]any, len(d.sequence))
	for i, sym := range d.sequence {
		seq[i] = sym
	}
	return state.State{
		"round":    d.round,
		"score":    d.score,
		"streak":   d.streak,
		"sequence": seq,
	}
}
