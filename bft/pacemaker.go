package bft

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/sdbondi/tari-dan/lib"
)

/*
	Pacemaker

	Each height waits for a proposal and its certificate for the current timeout. The timeout starts at
	RoundTimeoutMS, grows by TimeoutMultiplier on every consecutive timeout up to MaxRoundTimeoutMS,
	and returns to RoundTimeoutMS on progress.

	The height that times out is the current one, or the next one if the replica already voted at the
	current height and waits on the next leader for the certificate. On timeout a replica:
	1) broadcasts a NewView with its highQC to the committee
	2) inserts the deterministic dummy block of the height
	3) advances to the next height

	A quorum of NewViews for a height moves a lagging replica past it as well. NewViews more than
	newViewWindow heights above the current one still upgrade highQC but are not aggregated.
*/

// newViewWindow bounds the heights above the current one whose NewViews are aggregated
const newViewWindow = 3

// newBackoff() returns the timeout schedule, without randomisation so every replica waits the same
func newBackoff(c lib.ConsensusConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.RoundTimeout()
	b.Multiplier = c.TimeoutMultiplier
	b.MaxInterval = c.MaxRoundTimeout()
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// resetTimeout() returns the timeout to its initial value after progress
func (e *Engine) resetTimeout() {
	e.backoff.Reset()
	e.timeout = e.backoff.NextBackOff()
}

// HandleTimeout() is the synchronous transition for an expired round timer
func (e *Engine) HandleTimeout() lib.ErrorI {
	if e.stopped.Load() {
		return lib.ErrEngineStopped()
	}
	defer e.publish()
	if e.state == Idle {
		// re-evaluate membership at the latest epoch
		if e.snapshot = e.registry.Current(); e.snapshot.IsMember(e.Self, e.ShardGroup) {
			e.epoch = e.snapshot.Epoch
			e.state = AwaitingProposal
			e.maybePropose()
		}
		lib.ResetTimer(e.timer, e.timeout)
		return nil
	}
	// a replica that voted at its height is waiting on the next leader, whose height timed out
	h := e.height
	if e.lastVoted >= h {
		h++
	}
	e.state = TimedOut
	e.Metrics.IncTimeout(e.ShardGroup)
	e.log.Warnf("Height %d timed out after %s", h, e.timeout)
	nv := &lib.NewView{Height: h, Epoch: e.epoch, ShardGroup: e.ShardGroup, HighQC: e.highQC.Copy(), Voter: e.Self}
	nv.Signature = e.signer.Sign(nv.SignBytes())
	e.broadcast(e.ShardGroup, nv)
	if committee, err := e.snapshot.CommitteeFor(e.ShardGroup); err == nil {
		e.addNewView(nv, committee)
	}
	if err := e.insertDummiesThrough(h); err != nil {
		e.log.Errorf("Deriving dummy block at height %d failed: %s", h, err.Error())
	}
	e.timeout = e.backoff.NextBackOff()
	e.enterHeight(h + 1)
	return nil
}

// handleNewView() verifies a NewView, upgrades highQC with the certificate it carries and aggregates it with
// the others of its height; a quorum moves this replica past that height
func (e *Engine) handleNewView(nv *lib.NewView) lib.ErrorI {
	if nv.ShardGroup != e.ShardGroup {
		return lib.ErrWrongShardGroup(e.ShardGroup, nv.ShardGroup)
	}
	if nv.HighQC == nil {
		return lib.ErrNilQC()
	}
	committee, err := e.committeeAt(nv.Epoch)
	if err != nil {
		return err
	}
	if err = committee.VerifySignature(nv.Voter, nv.SignBytes(), nv.Signature); err != nil {
		return err
	}
	if err = e.verifier.Verify(nv.HighQC); err != nil {
		return err
	}
	if err = e.processQC(nv.HighQC); err != nil {
		return err
	}
	if nv.Height < e.height {
		return nil
	}
	if nv.Height > e.height+newViewWindow {
		return lib.ErrHeightMismatch(e.height, nv.Height)
	}
	if !e.addNewView(nv, committee) {
		return nil
	}
	e.log.Infof("NewView quorum for height %d", nv.Height)
	if err = e.insertDummiesThrough(nv.Height); err != nil {
		return err
	}
	e.enterHeight(nv.Height + 1)
	return nil
}

// addNewView() records a NewView and returns true once the NewViews of its height reach a quorum
func (e *Engine) addNewView(nv *lib.NewView, committee *lib.ValidatorSet) bool {
	if committee == nil {
		return false
	}
	views, ok := e.newViews[nv.Height]
	if !ok {
		views = make(map[lib.ValidatorID]*lib.NewView)
		e.newViews[nv.Height] = views
	}
	views[nv.Voter] = nv
	var weight uint64
	for id := range views {
		if v, _, err := committee.GetValidatorAndIdx(id); err == nil {
			weight += v.Weight
		}
	}
	return committee.QuorumReached(weight)
}

// insertDummiesThrough() extends the tip (the highQC block and the dummies above it) with dummies through height
func (e *Engine) insertDummiesThrough(height uint64) lib.ErrorI {
	base, _, ok := e.Tree.Get(e.highQC.BlockHash)
	if !ok {
		return lib.ErrUnknownBlock(e.highQC.BlockHash)
	}
	_, err := e.extendWithDummies(base, height, e.highQC, e.epoch, e.snapshot)
	return err
}
