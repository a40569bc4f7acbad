package state

// transitions is a status -> allowed next statuses table.
type transitions[S comparable] map[S][]S

func (t transitions[S]) allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t transitions[S]) terminal(s S) bool {
	return len(t[s]) == 0
}
