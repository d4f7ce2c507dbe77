package qc

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sdbondi/tari-dan/lib"
	"golang.org/x/sync/errgroup"
)

// defaultVerifiedCacheSize is the number of remembered valid certificates
const defaultVerifiedCacheSize = 1024

// CommitteeSource resolves the committee that signed a certificate, the registry implements it
type CommitteeSource interface {
	CommitteeAt(epoch lib.Epoch, sg lib.ShardGroup) (*lib.ValidatorSet, lib.ErrorI)
	CurrentEpoch() lib.Epoch
	IsEpochValid(epoch lib.Epoch) bool
}

// Verifier checks certificates against the committee of their epoch and shard group
// it is safe for concurrent use
type Verifier struct {
	network    uint64 // the network the genesis blocks belong to
	committees CommitteeSource
	verified   *lru.Cache[lib.Hash, struct{}]
}

// NewVerifier() creates a verifier of a network's certificates remembering up to cacheSize valid ones
func NewVerifier(network uint64, committees CommitteeSource, cacheSize int) *Verifier {
	if cacheSize <= 0 {
		cacheSize = defaultVerifiedCacheSize
	}
	cache, err := lru.New[lib.Hash, struct{}](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Verifier{network: network, committees: committees, verified: cache}
}

// Verify() re-derives the signers from the bitmap, checks their weight forms a quorum and verifies the aggregate
func (v *Verifier) Verify(qc *lib.QuorumCertificate) lib.ErrorI {
	if err := qc.CheckBasic(); err != nil {
		return err
	}
	// the unsigned certificate is only valid for the genesis block it names
	if qc.IsGenesis() {
		if qc.BlockHash != lib.NewGenesisBlock(v.network, qc.ShardGroup, qc.Epoch).Hash() {
			return lib.ErrInvalidSignature()
		}
		return nil
	}
	key := qc.Hash()
	if v.verified.Contains(key) {
		return nil
	}
	if cur := v.committees.CurrentEpoch(); !v.committees.IsEpochValid(qc.Epoch) {
		if qc.Epoch > cur {
			return lib.ErrFutureEpoch(qc.Epoch, cur)
		}
		return lib.ErrStaleEpoch(qc.Epoch, cur)
	}
	committee, err := v.committees.CommitteeAt(qc.Epoch, qc.ShardGroup)
	if err != nil {
		if lib.HasCode(err, lib.RegistryModule, lib.CodeUnknownEpoch) {
			return lib.ErrStaleEpoch(qc.Epoch, v.committees.CurrentEpoch())
		}
		return err
	}
	if _, err = committee.CheckAggregate(qc.SignBytes(), qc.Signature, qc.Bitmap); err != nil {
		return err
	}
	v.verified.Add(key, struct{}{})
	return nil
}

// VerifyAll() verifies the certificates in parallel, returning the first failure
func (v *Verifier) VerifyAll(ctx context.Context, qcs []*lib.QuorumCertificate) lib.ErrorI {
	g, ctx := errgroup.WithContext(ctx)
	for _, qc := range qcs {
		qc := qc
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := v.Verify(qc); err != nil {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if e, ok := err.(lib.ErrorI); ok {
			return e
		}
		return lib.ErrEngineStopped()
	}
	return nil
}
