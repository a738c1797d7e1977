package core

// StepBudget caps the agent steps taken in one advance. A zero Max means
// the advance is unbounded. It is owned by a single advance and is not safe
// for concurrent use.
type StepBudget struct {
	Max  int
	Used int
}

// Spend reserves one step. It reports false, without consuming anything,
// once the budget is exhausted.
func (b *StepBudget) Spend() bool {
	if b.Max > 0 && b.Used >= b.Max {
		return false
	}
	b.Used++
	return true
}

// Remaining returns the steps left, or -1 when unbounded.
func (b *StepBudget) Remaining() int {
	if b.Max <= 0 {
		return -1
	}
	return b.Max - b.Used
}
