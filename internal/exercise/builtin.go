package exercise

// Builtin returns a registry preloaded with the exercises that ship with the
// server. Scripted exercises are registered separately by the bootstrap once
// their programs are loaded.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("score_drill", ScoreDrillFactory)
	r.Register("sequence_recall", SequenceRecallFactory)
	return r
}
