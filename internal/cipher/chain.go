package cipher

import (
	"fmt"
	"sort"

	"e2ee-sessions/internal/domain"
)

const (
	// maxSkip is how far ahead of the receiving chain a counter may be.
	maxSkip = 2000
	// maxStoredSkipped bounds the retained out-of-order message keys.
	maxStoredSkipped = 2000
)

type chainState struct {
	Key   [32]byte `json:"key"`
	Index uint32   `json:"index"`
}

// receiver is a receiving chain plus the keys it skipped over.
type receiver struct {
	Chain   chainState          `json:"chain"`
	Skipped map[uint32][32]byte `json:"skipped,omitempty"`
}

// messageKey returns the key for counter, advancing the chain as needed.
// A counter behind the chain is only valid once, via the skipped set.
func (r *receiver) messageKey(counter uint32) ([32]byte, error) {
	if counter < r.Chain.Index {
		mk, ok := r.Skipped[counter]
		if !ok {
			return [32]byte{}, fmt.Errorf("%w: counter %d behind chain at %d", domain.ErrCounterReuse, counter, r.Chain.Index)
		}
		delete(r.Skipped, counter)
		return mk, nil
	}
	if counter-r.Chain.Index > maxSkip {
		return [32]byte{}, fmt.Errorf("%w: counter %d is %d ahead", domain.ErrKeyExhausted, counter, counter-r.Chain.Index)
	}
	for r.Chain.Index < counter {
		next, mk := kdfChain(r.Chain.Key)
		if r.Skipped == nil {
			r.Skipped = make(map[uint32][32]byte)
		}
		r.Skipped[r.Chain.Index] = mk
		r.Chain = chainState{Key: next, Index: r.Chain.Index + 1}
	}
	r.trim()
	next, mk := kdfChain(r.Chain.Key)
	r.Chain = chainState{Key: next, Index: r.Chain.Index + 1}
	return mk, nil
}

func (r *receiver) trim() {
	if len(r.Skipped) <= maxStoredSkipped {
		return
	}
	counters := make([]uint32, 0, len(r.Skipped))
	for c := range r.Skipped {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })
	for _, c := range counters[:len(counters)-maxStoredSkipped] {
		delete(r.Skipped, c)
	}
}

func (r receiver) clone() receiver {
	out := receiver{Chain: r.Chain}
	if len(r.Skipped) > 0 {
		out.Skipped = make(map[uint32][32]byte, len(r.Skipped))
		for k, v := range r.Skipped {
			out.Skipped[k] = v
		}
	}
	return out
}

func (c *chainState) next() (uint32, [32]byte) {
	n := c.Index
	next, mk := kdfChain(c.Key)
	c.Key = next
	c.Index++
	return n, mk
}
