package lib

import "fmt"

// EvidenceKind classifies reported byzantine behaviour
type EvidenceKind uint8

const (
	EvidenceEquivocation       EvidenceKind = 1 // two conflicting votes at one height
	EvidenceUnauthorizedVoter  EvidenceKind = 2 // a vote from outside the committee
	EvidenceUnexpectedProposer EvidenceKind = 3 // a proposal from a validator that is not the scheduled leader
)

// String() returns the log form of the kind
func (k EvidenceKind) String() string {
	switch k {
	case EvidenceEquivocation:
		return "equivocation"
	case EvidenceUnauthorizedVoter:
		return "unauthorized_voter"
	case EvidenceUnexpectedProposer:
		return "unexpected_proposer"
	default:
		return fmt.Sprintf("evidence(%d)", uint8(k))
	}
}

// Evidence is a record of misbehaviour, handed to the evidence collaborator and never acted on by consensus
type Evidence struct {
	Kind       EvidenceKind `json:"kind"`
	Offender   ValidatorID  `json:"offender"`
	Height     uint64       `json:"height"`
	Epoch      Epoch        `json:"epoch"`
	ShardGroup ShardGroup   `json:"shardGroup"`
	Votes      []*Vote      `json:"votes,omitempty"`    // the conflicting votes for equivocation
	BlockHash  Hash         `json:"blockHash,omitempty"` // the offending proposal
}

// String() returns the log format of the evidence
func (e *Evidence) String() string {
	return fmt.Sprintf("%s by %s at h=%d sg=%s", e.Kind, e.Offender.Short(), e.Height, e.ShardGroup)
}
