package lib

import (
	"errors"
	"fmt"
	"math"
)

type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	// Constructs a new Error instance
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

// Is() allows errors.Is to match on module and code regardless of the message
func (p *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.ECode == p.ECode && t.EModule == p.EModule
}

// HasCode() returns true if err is an ErrorI with the given module and code
func HasCode(err error, module ErrorModule, code ErrorCode) bool {
	var e ErrorI
	if !errors.As(err, &e) {
		return false
	}
	return e.Module() == module && e.Code() == code
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal       ErrorCode = 1
	CodeJSONUnmarshal     ErrorCode = 2
	CodeUnmarshal         ErrorCode = 3
	CodeMarshal           ErrorCode = 4
	CodeNilBlock          ErrorCode = 5
	CodeNilQC             ErrorCode = 6
	CodeStringToBytes     ErrorCode = 7
	CodeInvalidShardGroup ErrorCode = 8
	CodePubKeyFromBytes   ErrorCode = 9
	CodeNewMultiPubKey    ErrorCode = 10
	CodeNoValidators      ErrorCode = 11
	CodeValidatorNotInSet ErrorCode = 12
	CodeInvalidBitmap     ErrorCode = 13
	CodeWrongLengthHash   ErrorCode = 14
	CodeMaxBlockSize      ErrorCode = 15
	CodeInvalidQuorumRule ErrorCode = 16

	// Consensus Module
	ConsensusModule ErrorModule = "consensus"

	// Consensus Module Error Codes
	CodeInvalidParent                ErrorCode = 1
	CodeHeightMismatch               ErrorCode = 2
	CodeDuplicateHeight              ErrorCode = 3
	CodeInvalidSignature             ErrorCode = 4
	CodeUnauthorizedVoter            ErrorCode = 5
	CodeEquivocation                 ErrorCode = 6
	CodeQuorumNotReached             ErrorCode = 7
	CodeStaleEpoch                   ErrorCode = 8
	CodeForeignReconciliationTimeout ErrorCode = 9
	CodeConflictingCommit            ErrorCode = 10
	CodeUnexpectedProposer           ErrorCode = 11
	CodeInvalidBlockHash             ErrorCode = 12
	CodeInvalidMerkleRoot            ErrorCode = 13
	CodeInvalidForeignIndex          ErrorCode = 14
	CodeUnsafeBlock                  ErrorCode = 15
	CodeGenesisProposal              ErrorCode = 16
	CodeUnknownBlock                 ErrorCode = 17
	CodeJustifyMismatch              ErrorCode = 18
	CodeWrongShardGroup              ErrorCode = 19
	CodeEmptyMessage                 ErrorCode = 20
	CodeAggregateSignature           ErrorCode = 21
	CodeUnknownConsensusMessage      ErrorCode = 22
	CodeFutureEpoch                  ErrorCode = 23
	CodeNotCommitteeMember           ErrorCode = 24
	CodeTooManyCommands              ErrorCode = 25
	CodeEngineStopped                ErrorCode = 26

	// Registry Module
	RegistryModule ErrorModule = "registry"

	// Registry Module Error Codes
	CodeInvalidPartition   ErrorCode = 1
	CodeUnknownShardGroup  ErrorCode = 2
	CodeUnknownEpoch       ErrorCode = 3
	CodeNonIncreasingEpoch ErrorCode = 4
	CodeEmptyCommittee     ErrorCode = 5
	CodeNoEligibleLeader   ErrorCode = 6

	// Foreign Module
	ForeignModule ErrorModule = "foreign"

	// Foreign Module Error Codes
	CodeInvalidForeignProof ErrorCode = 1
	CodeOwnShardGroupProof  ErrorCode = 2

	// Storage Module
	StorageModule ErrorModule = "store"

	// Storage Module Error Codes
	CodeOpenDB      ErrorCode = 1
	CodeCloseDB     ErrorCode = 2
	CodeStoreSet    ErrorCode = 3
	CodeStoreGet    ErrorCode = 4
	CodeCommitDB    ErrorCode = 5
	CodeNoChainTip  ErrorCode = 6
	CodeStoreDelete ErrorCode = 7

	// P2P Module
	P2PModule ErrorModule = "p2p"

	// P2P Module Error Codes
	CodeUnknownPeer    ErrorCode = 1
	CodeInboxFull      ErrorCode = 2
	CodeNetworkStopped ErrorCode = 3
	CodePeerBanned     ErrorCode = 4
	CodePeerExists     ErrorCode = 5

	// Controller Module
	ControllerModule ErrorModule = "controller"

	// Controller Module Error Codes
	CodeDuplicateCommand ErrorCode = 1
	CodeNoShardGroups    ErrorCode = 2
	CodeMempoolFull      ErrorCode = 3
	CodeUnknownCommand   ErrorCode = 4
)

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("json.marshal() failed with err: %s", err.Error()))
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("json.unmarshal() failed with err: %s", err.Error()))
}

func ErrUnmarshal(err error) ErrorI {
	return NewError(CodeUnmarshal, MainModule, fmt.Sprintf("unmarshal() failed with err: %s", err.Error()))
}

func ErrMarshal(err error) ErrorI {
	return NewError(CodeMarshal, MainModule, fmt.Sprintf("marshal() failed with err: %s", err.Error()))
}

func ErrNilBlock() ErrorI {
	return NewError(CodeNilBlock, MainModule, "block is nil")
}

func ErrNilQC() ErrorI {
	return NewError(CodeNilQC, MainModule, "quorum certificate is nil")
}

func ErrStringToBytes(err error) ErrorI {
	return NewError(CodeStringToBytes, MainModule, fmt.Sprintf("stringToBytes() failed with err: %s", err.Error()))
}

func ErrInvalidShardGroup(sg ShardGroup) ErrorI {
	return NewError(CodeInvalidShardGroup, MainModule, fmt.Sprintf("invalid shard group %s", sg))
}

func ErrPubKeyFromBytes(err error) ErrorI {
	return NewError(CodePubKeyFromBytes, MainModule, fmt.Sprintf("publicKeyFromBytes() failed with err: %s", err.Error()))
}

func ErrNewMultiPubKey(err error) ErrorI {
	return NewError(CodeNewMultiPubKey, MainModule, fmt.Sprintf("newMultiPubKey() failed with err: %s", err.Error()))
}

func ErrNoValidators() ErrorI {
	return NewError(CodeNoValidators, MainModule, "there are no validators in the set")
}

func ErrValidatorNotInSet(id ValidatorID) ErrorI {
	return NewError(CodeValidatorNotInSet, MainModule, fmt.Sprintf("validator %s not found in validator set", id))
}

func ErrInvalidBitmap(err error) ErrorI {
	return NewError(CodeInvalidBitmap, MainModule, fmt.Sprintf("invalid signer bitmap: %s", err.Error()))
}

func ErrWrongLengthHash(l int) ErrorI {
	return NewError(CodeWrongLengthHash, MainModule, fmt.Sprintf("wrong length hash: %d", l))
}

func ErrMaxBlockSize(size, max int) ErrorI {
	return NewError(CodeMaxBlockSize, MainModule, fmt.Sprintf("block size %d exceeds maximum %d", size, max))
}

func ErrInvalidQuorumRule(rule string) ErrorI {
	return NewError(CodeInvalidQuorumRule, MainModule, fmt.Sprintf("invalid quorum rule %q", rule))
}

// CONSENSUS ERRORS BELOW

func ErrInvalidParent(parent Hash) ErrorI {
	return NewError(CodeInvalidParent, ConsensusModule, fmt.Sprintf("parent %s is unknown", parent.Short()))
}

func ErrHeightMismatch(expected, got uint64) ErrorI {
	return NewError(CodeHeightMismatch, ConsensusModule, fmt.Sprintf("height mismatch: expected %d got %d", expected, got))
}

func ErrDuplicateHeight(height uint64, proposer ValidatorID) ErrorI {
	return NewError(CodeDuplicateHeight, ConsensusModule, fmt.Sprintf("duplicate block at height %d from proposer %s", height, proposer))
}

func ErrInvalidSignature() ErrorI {
	return NewError(CodeInvalidSignature, ConsensusModule, "invalid signature")
}

func ErrUnauthorizedVoter(id ValidatorID) ErrorI {
	return NewError(CodeUnauthorizedVoter, ConsensusModule, fmt.Sprintf("voter %s is not a current committee member", id))
}

func ErrEquivocation(id ValidatorID, height uint64) ErrorI {
	return NewError(CodeEquivocation, ConsensusModule, fmt.Sprintf("validator %s equivocated at height %d", id, height))
}

func ErrQuorumNotReached(weight, threshold uint64) ErrorI {
	return NewError(CodeQuorumNotReached, ConsensusModule, fmt.Sprintf("quorum not reached: weight %d threshold %d", weight, threshold))
}

func ErrStaleEpoch(epoch, current Epoch) ErrorI {
	return NewError(CodeStaleEpoch, ConsensusModule, fmt.Sprintf("epoch %d is superseded (current %d)", epoch, current))
}

func ErrFutureEpoch(epoch, current Epoch) ErrorI {
	return NewError(CodeFutureEpoch, ConsensusModule, fmt.Sprintf("epoch %d is ahead of current epoch %d", epoch, current))
}

func ErrForeignReconciliationTimeout(cmd Hash, epochs uint64) ErrorI {
	return NewError(CodeForeignReconciliationTimeout, ConsensusModule, fmt.Sprintf("command %s unreconciled after %d epochs", cmd.Short(), epochs))
}

func ErrConflictingCommit(a, b Hash, height uint64) ErrorI {
	return NewError(CodeConflictingCommit, ConsensusModule, fmt.Sprintf("conflicting commits at height %d: %s and %s", height, a.Short(), b.Short()))
}

func ErrUnexpectedProposer(expected, got ValidatorID) ErrorI {
	return NewError(CodeUnexpectedProposer, ConsensusModule, fmt.Sprintf("unexpected proposer: expected %s got %s", expected, got))
}

func ErrInvalidBlockHash() ErrorI {
	return NewError(CodeInvalidBlockHash, ConsensusModule, "block hash does not match contents")
}

func ErrInvalidMerkleRoot() ErrorI {
	return NewError(CodeInvalidMerkleRoot, ConsensusModule, "merkle root mismatch")
}

func ErrInvalidForeignIndex(msg string) ErrorI {
	return NewError(CodeInvalidForeignIndex, ConsensusModule, fmt.Sprintf("invalid foreign index: %s", msg))
}

func ErrUnsafeBlock(hash Hash) ErrorI {
	return NewError(CodeUnsafeBlock, ConsensusModule, fmt.Sprintf("block %s does not satisfy the safe node predicate", hash.Short()))
}

func ErrGenesisProposal() ErrorI {
	return NewError(CodeGenesisProposal, ConsensusModule, "proposing a genesis block")
}

func ErrUnknownBlock(hash Hash) ErrorI {
	return NewError(CodeUnknownBlock, ConsensusModule, fmt.Sprintf("block %s not found", hash.Short()))
}

func ErrJustifyMismatch(msg string) ErrorI {
	return NewError(CodeJustifyMismatch, ConsensusModule, fmt.Sprintf("justify qc mismatch: %s", msg))
}

func ErrWrongShardGroup(expected, got ShardGroup) ErrorI {
	return NewError(CodeWrongShardGroup, ConsensusModule, fmt.Sprintf("wrong shard group: expected %s got %s", expected, got))
}

func ErrEmptyMessage() ErrorI {
	return NewError(CodeEmptyMessage, ConsensusModule, "empty consensus message")
}

func ErrAggregateSignature(err error) ErrorI {
	return NewError(CodeAggregateSignature, ConsensusModule, fmt.Sprintf("aggregateSignature() failed with err: %s", err.Error()))
}

func ErrUnknownConsensusMsg(t any) ErrorI {
	return NewError(CodeUnknownConsensusMessage, ConsensusModule, fmt.Sprintf("unknown consensus message: %T", t))
}

func ErrNotCommitteeMember(sg ShardGroup) ErrorI {
	return NewError(CodeNotCommitteeMember, ConsensusModule, fmt.Sprintf("not a committee member of %s", sg))
}

func ErrTooManyCommands(n, max int) ErrorI {
	return NewError(CodeTooManyCommands, ConsensusModule, fmt.Sprintf("block has %d commands, max is %d", n, max))
}

func ErrEngineStopped() ErrorI {
	return NewError(CodeEngineStopped, ConsensusModule, "consensus engine stopped")
}

// REGISTRY ERRORS BELOW

func ErrInvalidPartition(msg string) ErrorI {
	return NewError(CodeInvalidPartition, RegistryModule, fmt.Sprintf("invalid shard partition: %s", msg))
}

func ErrUnknownShardGroup(sg ShardGroup) ErrorI {
	return NewError(CodeUnknownShardGroup, RegistryModule, fmt.Sprintf("unknown shard group %s", sg))
}

func ErrUnknownEpoch(epoch Epoch) ErrorI {
	return NewError(CodeUnknownEpoch, RegistryModule, fmt.Sprintf("unknown epoch %d", epoch))
}

func ErrNonIncreasingEpoch(epoch, current Epoch) ErrorI {
	return NewError(CodeNonIncreasingEpoch, RegistryModule, fmt.Sprintf("epoch %d is not after current epoch %d", epoch, current))
}

func ErrEmptyCommittee(sg ShardGroup) ErrorI {
	return NewError(CodeEmptyCommittee, RegistryModule, fmt.Sprintf("shard group %s has an empty committee", sg))
}

func ErrNoEligibleLeader(sg ShardGroup, epoch Epoch) ErrorI {
	return NewError(CodeNoEligibleLeader, RegistryModule, fmt.Sprintf("no eligible leader for %s in epoch %d", sg, epoch))
}

// FOREIGN ERRORS BELOW

func ErrInvalidForeignProof(msg string) ErrorI {
	return NewError(CodeInvalidForeignProof, ForeignModule, fmt.Sprintf("invalid foreign commit proof: %s", msg))
}

func ErrOwnShardGroupProof(sg ShardGroup) ErrorI {
	return NewError(CodeOwnShardGroupProof, ForeignModule, fmt.Sprintf("foreign proof for local shard group %s", sg))
}

// P2P ERRORS BELOW

func ErrUnknownPeer(id ValidatorID) ErrorI {
	return NewError(CodeUnknownPeer, P2PModule, fmt.Sprintf("unknown peer %s", id))
}

func ErrInboxFull(id ValidatorID) ErrorI {
	return NewError(CodeInboxFull, P2PModule, fmt.Sprintf("inbox of %s is full", id))
}

func ErrNetworkStopped() ErrorI {
	return NewError(CodeNetworkStopped, P2PModule, "network stopped")
}

func ErrPeerBanned(id ValidatorID) ErrorI {
	return NewError(CodePeerBanned, P2PModule, fmt.Sprintf("peer %s is banned", id))
}

func ErrPeerAlreadyExists(id ValidatorID) ErrorI {
	return NewError(CodePeerExists, P2PModule, fmt.Sprintf("peer %s already exists", id))
}
