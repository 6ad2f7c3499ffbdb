package pool

import (
	"github.com/joshuapare/handlepool/pool/compact"
)

// DefragNow compacts the arena until no unpinned block can be moved.
func (p *Pool) DefragNow() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	return p.compactFull()
}

// DefragEnable sets the events after which a single compaction pass runs.
// DefragOnAllocate also enables compaction as the first escalation step of
// an allocation that does not fit.
func (p *Pool) DefragEnable(mask Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	p.arena.SetDefragMask(mask)
	return nil
}

// DefragDisable turns off event-triggered compaction.
func (p *Pool) DefragDisable() error {
	return p.DefragEnable(DefragNone)
}

// compactFull runs passes until one makes no progress.
func (p *Pool) compactFull() error {
	res, err := compact.MultiPass(p.ledger, p.ledger.First())
	return p.recordPass(res, err)
}

// maybeCompact runs one pass if e is in the defrag mask and the rate limit
// allows it.
func (p *Pool) maybeCompact(e Event) {
	if !p.arena.DefragOn(e) {
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.counters.throttled++
		return
	}
	res, err := compact.SinglePass(p.ledger, p.ledger.First())
	_ = p.recordPass(res, err)
}

func (p *Pool) recordPass(res compact.Result, err error) error {
	p.counters.passes += uint64(res.Passes)
	p.counters.moves += uint64(res.Moves)
	p.counters.shifts += uint64(res.Shifts)
	if err != nil {
		p.log.Error("compaction failed", "error", err)
		return wrap(ErrCorruptArena, err)
	}
	if res.Progress() {
		p.log.Debug("compaction pass",
			"passes", res.Passes, "moves", res.Moves, "shifts", res.Shifts)
	}
	return nil
}
