package qc

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sdbondi/tari-dan/lib"
	"github.com/sdbondi/tari-dan/lib/crypto"
	"github.com/sdbondi/tari-dan/registry"
	"github.com/stretchr/testify/require"
)

type testCommittee struct {
	reg  *registry.Registry
	sg   lib.ShardGroup
	vs   *lib.ValidatorSet
	keys map[lib.ValidatorID]crypto.PrivateKeyI
}

func newTestCommittee(t *testing.T, n int) *testCommittee {
	a, keys, err := registry.GenerateAssignment(1, 1, n, fmt.Sprintf("qc-%d", n))
	require.NoError(t, err)
	r, err := registry.New(a, lib.QuorumStrict, lib.DefaultRegistryConfig(), lib.NewNullLogger())
	require.NoError(t, err)
	sg := a.Partition[0]
	vs, err := r.CommitteeFor(sg)
	require.NoError(t, err)
	return &testCommittee{reg: r, sg: sg, vs: vs, keys: keys}
}

func (c *testCommittee) vote(i int, block lib.Hash, height uint64) *lib.Vote {
	id := c.vs.IDs()[i]
	v := &lib.Vote{BlockHash: block, Height: height, ShardGroup: c.sg, Epoch: 1, Voter: id}
	v.Signature = c.keys[id].Sign(v.SignBytes())
	return v
}

// certify() builds a certificate from the first n members through a builder
func (c *testCommittee) certify(t *testing.T, n int, block lib.Hash, height uint64) *lib.QuorumCertificate {
	b := NewBuilder(c.sg, nil, lib.NewNullLogger())
	var qc *lib.QuorumCertificate
	for i := 0; i < n; i++ {
		got, err := b.AddVote(c.vote(i, block, height), c.vs)
		require.NoError(t, err)
		if got != nil {
			qc = got
		}
	}
	return qc
}

func TestBuilderQuorum(t *testing.T) {
	c := newTestCommittee(t, 4)
	block := lib.HashOf([]byte("block"))
	b := NewBuilder(c.sg, nil, lib.NewNullLogger())
	for i := 0; i < 2; i++ {
		qc, err := b.AddVote(c.vote(i, block, 5), c.vs)
		require.NoError(t, err)
		require.Nil(t, qc)
	}
	require.Equal(t, uint64(2), b.Weight(5, block))
	// a duplicate vote is ignored
	qc, err := b.AddVote(c.vote(1, block, 5), c.vs)
	require.NoError(t, err)
	require.Nil(t, qc)
	require.Equal(t, uint64(2), b.Weight(5, block))
	// the third vote forms the certificate
	qc, err = b.AddVote(c.vote(2, block, 5), c.vs)
	require.NoError(t, err)
	require.NotNil(t, qc)
	require.Equal(t, block, qc.BlockHash)
	require.Equal(t, uint64(5), qc.BlockHeight)
	require.NoError(t, NewVerifier(lib.DefaultNetworkID, c.reg, 0).Verify(qc))
	// the pending set is cleared, a late vote adds nothing
	require.Zero(t, b.Weight(5, block))
	qc, err = b.AddVote(c.vote(3, block, 5), c.vs)
	require.NoError(t, err)
	require.Nil(t, qc)
}

func TestBuilderRejects(t *testing.T) {
	c := newTestCommittee(t, 4)
	outsider := newTestCommittee(t, 5)
	block := lib.HashOf([]byte("block"))
	tests := []struct {
		name   string
		detail string
		vote   func() *lib.Vote
		code   lib.ErrorCode
	}{
		{
			name:   "unauthorized",
			detail: "a vote from outside the committee is rejected",
			vote: func() *lib.Vote {
				v := outsider.vote(4, block, 3)
				v.ShardGroup = c.sg
				return v
			},
			code: lib.CodeUnauthorizedVoter,
		},
		{
			name:   "bad signature",
			detail: "a vote signed over other bytes is rejected",
			vote: func() *lib.Vote {
				v := c.vote(0, block, 3)
				v.Height = 4
				return v
			},
			code: lib.CodeInvalidSignature,
		},
		{
			name:   "wrong shard group",
			detail: "a vote for another shard group is rejected",
			vote: func() *lib.Vote {
				v := c.vote(0, block, 3)
				v.ShardGroup = lib.NewShardGroup(0, 1)
				return v
			},
			code: lib.CodeWrongShardGroup,
		},
		{
			name:   "stale",
			detail: "a vote at or below the pruned height is rejected",
			vote:   func() *lib.Vote { return c.vote(0, block, 2) },
			code:   lib.CodeHeightMismatch,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var evidence []*lib.Evidence
			b := NewBuilder(c.sg, func(e *lib.Evidence) { evidence = append(evidence, e) }, lib.NewNullLogger())
			b.Prune(2)
			_, err := b.AddVote(test.vote(), c.vs)
			require.Error(t, err, test.detail)
			require.Equal(t, test.code, err.Code(), test.detail)
			if test.code == lib.CodeUnauthorizedVoter {
				require.Len(t, evidence, 1)
				require.Equal(t, lib.EvidenceUnauthorizedVoter, evidence[0].Kind)
			}
		})
	}
}

func TestBuilderEquivocation(t *testing.T) {
	c := newTestCommittee(t, 4)
	a, b := lib.HashOf([]byte("a")), lib.HashOf([]byte("b"))
	var evidence []*lib.Evidence
	builder := NewBuilder(c.sg, func(e *lib.Evidence) { evidence = append(evidence, e) }, lib.NewNullLogger())
	// voter 0 votes for a then for b
	_, err := builder.AddVote(c.vote(0, a, 8), c.vs)
	require.NoError(t, err)
	_, err = builder.AddVote(c.vote(1, a, 8), c.vs)
	require.NoError(t, err)
	require.Equal(t, uint64(2), builder.Weight(8, a))
	_, err = builder.AddVote(c.vote(0, b, 8), c.vs)
	require.True(t, lib.HasCode(err, lib.ConsensusModule, lib.CodeEquivocation))
	require.Len(t, evidence, 1)
	require.Equal(t, lib.EvidenceEquivocation, evidence[0].Kind)
	require.Len(t, evidence[0].Votes, 2)
	// the earlier vote is withdrawn
	require.Equal(t, uint64(1), builder.Weight(8, a))
	require.Zero(t, builder.Weight(8, b))
	// the equivocator stays excluded at this height
	_, err = builder.AddVote(c.vote(0, a, 8), c.vs)
	require.True(t, lib.HasCode(err, lib.ConsensusModule, lib.CodeEquivocation))
	// the first remaining honest vote is below quorum
	qc, err := builder.AddVote(c.vote(2, a, 8), c.vs)
	require.NoError(t, err)
	require.Nil(t, qc)
	qc, err = builder.AddVote(c.vote(3, a, 8), c.vs)
	require.NoError(t, err)
	require.NotNil(t, qc, "3 honest votes still form a certificate")
	signers, _, err := c.vs.Signers(qc.Bitmap)
	require.NoError(t, err)
	require.NotContains(t, signers, c.vs.IDs()[0])
}

func TestVerifier(t *testing.T) {
	c := newTestCommittee(t, 4)
	block := lib.HashOf([]byte("block"))
	valid := c.certify(t, 3, block, 4)
	require.NotNil(t, valid)
	tests := []struct {
		name   string
		detail string
		mutate func(qc *lib.QuorumCertificate)
		check  func(err lib.ErrorI) bool
	}{
		{
			name:   "valid",
			detail: "a quorum certificate verifies",
			mutate: func(qc *lib.QuorumCertificate) {},
			check:  func(err lib.ErrorI) bool { return err == nil },
		},
		{
			name:   "tampered height",
			detail: "the signature covers the height",
			mutate: func(qc *lib.QuorumCertificate) { qc.BlockHeight++ },
			check: func(err lib.ErrorI) bool {
				return lib.HasCode(err, lib.ConsensusModule, lib.CodeInvalidSignature)
			},
		},
		{
			name:   "tampered bitmap",
			detail: "dropping a signer from the bitmap breaks the quorum",
			mutate: func(qc *lib.QuorumCertificate) {
				key := c.vs.MultiKey.Copy()
				require.NoError(t, key.AddSigner([]byte{1}, 0))
				qc.Bitmap = key.Bitmap()
			},
			check: func(err lib.ErrorI) bool {
				return lib.HasCode(err, lib.ConsensusModule, lib.CodeQuorumNotReached)
			},
		},
		{
			name:   "genesis",
			detail: "the unsigned certificate of the shard group's genesis block verifies",
			mutate: func(qc *lib.QuorumCertificate) {
				qc.BlockHash = lib.NewGenesisBlock(lib.DefaultNetworkID, c.sg, qc.Epoch).Hash()
				qc.BlockHeight, qc.Signature, qc.Bitmap = 0, nil, nil
			},
			check: func(err lib.ErrorI) bool { return err == nil },
		},
		{
			name:   "unsigned non genesis",
			detail: "an unsigned height 0 certificate naming any other block is rejected",
			mutate: func(qc *lib.QuorumCertificate) { qc.BlockHeight, qc.Signature, qc.Bitmap = 0, nil, nil },
			check: func(err lib.ErrorI) bool {
				return lib.HasCode(err, lib.ConsensusModule, lib.CodeInvalidSignature)
			},
		},
		{
			name:   "genesis of another network",
			detail: "the genesis hash covers the network identifier",
			mutate: func(qc *lib.QuorumCertificate) {
				qc.BlockHash = lib.NewGenesisBlock(lib.DefaultNetworkID+1, c.sg, qc.Epoch).Hash()
				qc.BlockHeight, qc.Signature, qc.Bitmap = 0, nil, nil
			},
			check: func(err lib.ErrorI) bool {
				return lib.HasCode(err, lib.ConsensusModule, lib.CodeInvalidSignature)
			},
		},
		{
			name:   "unknown epoch",
			detail: "a certificate from an epoch the registry does not hold is stale",
			mutate: func(qc *lib.QuorumCertificate) { qc.Epoch = 0 },
			check: func(err lib.ErrorI) bool {
				return lib.HasCode(err, lib.ConsensusModule, lib.CodeStaleEpoch)
			},
		},
		{
			name:   "far future",
			detail: "a certificate far ahead of the current epoch is rejected",
			mutate: func(qc *lib.QuorumCertificate) { qc.Epoch = 50 },
			check: func(err lib.ErrorI) bool {
				return lib.HasCode(err, lib.ConsensusModule, lib.CodeFutureEpoch)
			},
		},
		{
			name:   "unknown shard group",
			detail: "a certificate of an unknown committee is rejected",
			mutate: func(qc *lib.QuorumCertificate) { qc.ShardGroup = lib.NewShardGroup(0, 1) },
			check: func(err lib.ErrorI) bool {
				return lib.HasCode(err, lib.RegistryModule, lib.CodeUnknownShardGroup)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			qc := valid.Copy()
			test.mutate(qc)
			err := NewVerifier(lib.DefaultNetworkID, c.reg, 0).Verify(qc)
			require.True(t, test.check(err), "%s: %v", test.detail, err)
		})
	}
}

func TestVerifyAll(t *testing.T) {
	c := newTestCommittee(t, 4)
	var qcs []*lib.QuorumCertificate
	for h := uint64(1); h <= 4; h++ {
		qcs = append(qcs, c.certify(t, 3, lib.HashOf([]byte{byte(h)}), h))
	}
	v := NewVerifier(lib.DefaultNetworkID, c.reg, 0)
	require.NoError(t, v.VerifyAll(context.Background(), qcs))
	bad := qcs[2].Copy()
	bad.BlockHeight = 99
	require.Error(t, v.VerifyAll(context.Background(), append(qcs, bad)))
}

// TestQuorumBoundaryProperty: a certificate of k signers out of n verifies if and only if k reaches the threshold
func TestQuorumBoundaryProperty(t *testing.T) {
	committees := make(map[int]*testCommittee)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)
	properties.Property("quorum boundary", prop.ForAll(
		func(n, k int) bool {
			k = k % (n + 1)
			c, ok := committees[n]
			if !ok {
				c = newTestCommittee(t, n)
				committees[n] = c
			}
			block := lib.HashOf([]byte(fmt.Sprintf("%d-%d", n, k)))
			key := c.vs.MultiKey.Copy()
			for i := 0; i < k; i++ {
				v := c.vote(i, block, 1)
				if key.AddSigner(v.Signature, i) != nil {
					return false
				}
			}
			qc := &lib.QuorumCertificate{BlockHash: block, BlockHeight: 1, Epoch: 1, ShardGroup: c.sg, Bitmap: key.Bitmap()}
			if k > 0 {
				sig, err := key.AggregateSignatures()
				if err != nil {
					return false
				}
				qc.Signature = sig
			} else {
				qc.Signature = []byte{0}
			}
			reached := uint64(k) >= (2*uint64(n))/3+1
			return (NewVerifier(lib.DefaultNetworkID, c.reg, 0).Verify(qc) == nil) == reached
		},
		gen.IntRange(1, 7),
		gen.IntRange(0, 7),
	))
	properties.TestingRun(t)
}
