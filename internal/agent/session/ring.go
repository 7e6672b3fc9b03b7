package session

// lineRing keeps the most recent output lines. Once it holds more than max
// lines the oldest trim lines are dropped in one step.
type lineRing struct {
	lines []string
	max   int
	trim  int
}

func newLineRing(max, trim int) *lineRing {
	if max <= 0 {
		max = 10000
	}
	if trim <= 0 || trim > max {
		trim = max/5 + 1
	}
	return &lineRing{max: max, trim: trim}
}

func (r *lineRing) push(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		kept := make([]string, len(r.lines)-r.trim, r.max)
		copy(kept, r.lines[r.trim:])
		r.lines = kept
	}
}

func (r *lineRing) len() int { return len(r.lines) }

func (r *lineRing) snapshot() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
