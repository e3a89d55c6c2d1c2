package pager

import "github.com/sarchlab/vmserver/mem/frame"

// selectVictim runs the clock over the frame table. A first-chance frame is
// demoted and passed over, a pinned or unowned frame is skipped, and the
// first second-chance frame is the victim. The hand stays where it stopped.
func (p *Pager) selectVictim() (frame.ID, error) {
	n := p.frames.Len()

	for step := 0; step < 2*n; step++ {
		f := frame.ID(p.cursor)
		p.cursor = (p.cursor + 1) % n
		p.stats.ClockSteps++

		if !p.frames.IsVictimCandidate(f) {
			continue
		}

		switch p.frames.Chance(f) {
		case frame.FirstChance:
			p.frames.SetChance(f, frame.SecondChance)
		case frame.SecondChance:
			return f, nil
		}
	}

	return frame.NoFrame, ErrNoVictim
}

// Cursor returns the position of the clock hand.
func (p *Pager) Cursor() frame.ID {
	return frame.ID(p.cursor)
}
