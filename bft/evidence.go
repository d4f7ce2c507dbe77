package bft

import (
	"sync"

	"github.com/sdbondi/tari-dan/lib"
)

// report() forwards evidence to the sink, consensus never acts on it
func (e *Engine) report(ev *lib.Evidence) {
	if ev.Kind == lib.EvidenceEquivocation {
		e.Metrics.IncEquivocation(e.ShardGroup)
	}
	if e.Evidence != nil {
		e.Evidence.Report(ev)
	}
}

var _ EvidenceSink = &EvidencePool{}

// evidenceKey identifies one offence, repeated reports of it are collapsed
type evidenceKey struct {
	kind     lib.EvidenceKind
	offender lib.ValidatorID
	height   uint64
	sg       lib.ShardGroup
}

// EvidencePool is an in-memory EvidenceSink that keeps one record per offence, it is safe for concurrent use
type EvidencePool struct {
	mu       sync.Mutex
	seen     *lib.DeDuplicator[evidenceKey]
	evidence []*lib.Evidence
	log      lib.LoggerI
}

// NewEvidencePool() creates an empty pool
func NewEvidencePool(log lib.LoggerI) *EvidencePool {
	return &EvidencePool{seen: lib.NewDeDuplicator[evidenceKey](), log: log}
}

// Report() implements EvidenceSink
func (p *EvidencePool) Report(ev *lib.Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen.Found(evidenceKey{kind: ev.Kind, offender: ev.Offender, height: ev.Height, sg: ev.ShardGroup}) {
		return
	}
	p.log.Warnf("Recorded evidence: %s", ev)
	p.evidence = append(p.evidence, ev)
}

// Evidence() returns the recorded evidence, optionally filtered by kind
func (p *EvidencePool) Evidence(kinds ...lib.EvidenceKind) (out []*lib.Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.evidence {
		if len(kinds) == 0 {
			out = append(out, ev)
			continue
		}
		for _, k := range kinds {
			if ev.Kind == k {
				out = append(out, ev)
				break
			}
		}
	}
	return
}
