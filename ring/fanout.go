package ring

// FanOut joins N single-consumer sequences to one publisher so that every
// consumer observes every published slot in publish order. The publisher is
// gated on the slowest consumer, which is what lets a writer park on a slot
// (by withholding Done) until a rebalance handshake completes.
type FanOut struct {
	pub  *MPSequence
	subs []*SCSequence
}

func NewFanOut(pub *MPSequence, consumers int) *FanOut {
	f := &FanOut{pub: pub}
	for i := 0; i < consumers; i++ {
		f.subs = append(f.subs, NewSCSequence(pub))
	}
	pub.FollowedBy(f.gate)
	return f
}

func (f *FanOut) Sub(i int) *SCSequence {
	return f.subs[i]
}

func (f *FanOut) gate() int64 {
	min := f.subs[0].Current()
	for _, s := range f.subs[1:] {
		if c := s.Current(); c < min {
			min = c
		}
	}
	return min
}
