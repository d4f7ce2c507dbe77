package lib

import (
	"fmt"
	"testing"

	"github.com/sdbondi/tari-dan/lib/crypto"
	"github.com/stretchr/testify/require"
)

// newTestCommittee() creates n deterministic members of weight 1
func newTestCommittee(t *testing.T, n int, rule QuorumRule) (*ValidatorSet, map[ValidatorID]crypto.PrivateKeyI) {
	keys := make(map[ValidatorID]crypto.PrivateKeyI, n)
	var members []*Validator
	for i := 0; i < n; i++ {
		pk := crypto.NewBLSPrivateKeyFromSeed([]byte(fmt.Sprintf("validator-%d", i)))
		v := NewValidator(pk.PublicKey(), 1)
		keys[v.ID] = pk
		members = append(members, v)
	}
	vs, err := NewValidatorSet(members, rule)
	require.NoError(t, err)
	return vs, keys
}

func TestNewValidatorSet(t *testing.T) {
	vs, keys := newTestCommittee(t, 4, QuorumStrict)
	require.Equal(t, 4, vs.NumValidators())
	require.Equal(t, uint64(4), vs.TotalWeight)
	require.Equal(t, uint64(3), vs.Quorum)
	// members are ordered by id
	ids := vs.IDs()
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i])
	}
	for id := range keys {
		require.True(t, vs.IsMember(id))
	}
	require.False(t, vs.IsMember("stranger"))
	_, err := NewValidatorSet(nil, QuorumStrict)
	require.Error(t, err)
	// a duplicate member is rejected
	_, err = NewValidatorSet([]*Validator{vs.Validators[0], vs.Validators[0]}, QuorumStrict)
	require.Error(t, err)
}

func TestCheckAggregate(t *testing.T) {
	vs, keys := newTestCommittee(t, 4, QuorumStrict)
	msg := VoteSignBytes(HashOf([]byte("block")), 3, 1, NewShardGroup(0, 9))
	aggregate := func(n int, signed []byte) ([]byte, []byte) {
		key := vs.MultiKey.Copy()
		for i, id := range vs.IDs()[:n] {
			require.NoError(t, key.AddSigner(keys[id].Sign(signed), i))
		}
		sig, err := key.AggregateSignatures()
		require.NoError(t, err)
		return sig, key.Bitmap()
	}
	tests := []struct {
		name   string
		detail string
		n      int
		signed []byte
		code   ErrorCode
	}{
		{
			name:   "quorum",
			detail: "3 of 4 valid signatures form a quorum",
			n:      3,
			signed: msg,
		},
		{
			name:   "below quorum",
			detail: "2 of 4 signatures are not a quorum",
			n:      2,
			signed: msg,
			code:   CodeQuorumNotReached,
		},
		{
			name:   "wrong payload",
			detail: "signatures over another payload fail",
			n:      4,
			signed: []byte("other"),
			code:   CodeInvalidSignature,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sig, bitmap := aggregate(test.n, test.signed)
			weight, err := vs.CheckAggregate(msg, sig, bitmap)
			if test.code == 0 {
				require.NoError(t, err, test.detail)
				require.Equal(t, uint64(test.n), weight)
				return
			}
			require.Error(t, err, test.detail)
			require.Equal(t, test.code, err.Code(), test.detail)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	vs, keys := newTestCommittee(t, 3, QuorumStrict)
	id := vs.IDs()[0]
	msg := []byte("payload")
	require.NoError(t, vs.VerifySignature(id, msg, keys[id].Sign(msg)))
	require.Equal(t, CodeInvalidSignature, vs.VerifySignature(id, msg, keys[vs.IDs()[1]].Sign(msg)).Code())
	require.Equal(t, CodeUnauthorizedVoter, vs.VerifySignature("stranger", msg, nil).Code())
}
