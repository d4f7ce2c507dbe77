package bft

import (
	"github.com/sdbondi/tari-dan/lib"
)

// HandleMessage() is the synchronous transition for one inbound message; the returned error describes why the
// message was dropped, only errors for which isFatal() is true stop the engine
func (e *Engine) HandleMessage(msg *lib.Message) (err lib.ErrorI) {
	if e.stopped.Load() {
		return lib.ErrEngineStopped()
	}
	defer e.publish()
	if msg == nil {
		return lib.ErrEmptyMessage()
	}
	if err = msg.Check(); err != nil {
		return
	}
	if msg.ShardGroup != e.ShardGroup {
		return lib.ErrWrongShardGroup(e.ShardGroup, msg.ShardGroup)
	}
	// a foreign proof is addressed to this group but signed by another committee
	if msg.ForeignProof != nil {
		return e.handleForeignProof(msg.ForeignProof)
	}
	if e.state == Idle {
		return lib.ErrNotCommitteeMember(e.ShardGroup)
	}
	switch {
	case msg.Proposal != nil:
		return e.handleProposal(msg.Sender, msg.Proposal.Block)
	case msg.Vote != nil:
		if msg.Vote.Voter != msg.Sender {
			return lib.ErrUnauthorizedVoter(msg.Sender)
		}
		return e.handleVote(msg.Vote)
	case msg.NewView != nil:
		if msg.NewView.Voter != msg.Sender {
			return lib.ErrUnauthorizedVoter(msg.Sender)
		}
		return e.handleNewView(msg.NewView)
	}
	return lib.ErrUnknownConsensusMsg(msg.Payload())
}

// send() delivers a payload to validators of the shard group
func (e *Engine) send(to lib.ValidatorID, payload any) {
	msg, err := lib.NewMessage(e.ShardGroup, e.Self, payload)
	if err != nil {
		e.log.Error(err.Error())
		return
	}
	if err = e.Transport.Send([]lib.ValidatorID{to}, msg); err != nil {
		e.log.Warnf("Send to %s failed: %s", to.Short(), err.Error())
	}
}

// broadcast() delivers a payload to every other member of a shard group's committee
func (e *Engine) broadcast(sg lib.ShardGroup, payload any) {
	msg, err := lib.NewMessage(sg, e.Self, payload)
	if err != nil {
		e.log.Error(err.Error())
		return
	}
	if err = e.Transport.Broadcast(sg, msg); err != nil {
		e.log.Warnf("Broadcast to %s failed: %s", sg, err.Error())
	}
}

// msgKind() names the payload of a message for logs
func msgKind(msg *lib.Message) string {
	switch {
	case msg == nil:
		return "nil"
	case msg.Proposal != nil:
		return "proposal"
	case msg.Vote != nil:
		return "vote"
	case msg.NewView != nil:
		return "new view"
	case msg.ForeignProof != nil:
		return "foreign proof"
	}
	return "unknown"
}
