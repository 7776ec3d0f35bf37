package ledger

import "time"

// DefaultPeriod is one UTC calendar day.
const DefaultPeriod = 24 * time.Hour

// Period splits ledger time into fixed, contiguous windows aligned on the
// unix epoch. Window n covers [n*Length, (n+1)*Length).
type Period struct {
	Length time.Duration
}

func (p Period) seconds() int64 {
	s := int64(p.Length / time.Second)
	if s <= 0 {
		return int64(DefaultPeriod / time.Second)
	}
	return s
}

// Index returns the index of the window containing t.
func (p Period) Index(t time.Time) int64 {
	s := p.seconds()
	u := t.Unix()
	idx := u / s
	if u < 0 && u%s != 0 {
		idx--
	}
	return idx
}

// Start returns the first instant of window idx.
func (p Period) Start(idx int64) time.Time {
	return time.Unix(idx*p.seconds(), 0).UTC()
}

// SecondsRemaining returns the whole seconds from t to the next boundary.
func (p Period) SecondsRemaining(t time.Time) int64 {
	next := p.Start(p.Index(t) + 1)
	return int64(next.Sub(t) / time.Second)
}
