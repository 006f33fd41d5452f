package network

import (
	"context"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/FAIC-Node/wire"
)

// Lookup defaults.
const (
	DefaultLookupAlpha  = 3
	DefaultLookupK      = 20
	DefaultLookupRounds = 8
)

// LookupConfig tunes the iterative lookup.
type LookupConfig struct {
	Alpha  int // parallel queries per round
	K      int // result size
	Rounds int // round budget
}

// DefaultLookupConfig returns a configuration with sensible defaults.
func DefaultLookupConfig() LookupConfig {
	return LookupConfig{Alpha: DefaultLookupAlpha, K: DefaultLookupK, Rounds: DefaultLookupRounds}
}

// findPeersFunc asks peer p for the peers it knows closest to target.
type findPeersFunc func(ctx context.Context, p peer.ID, target peer.ID) ([]wire.PeerInfo, error)

// learnFunc is told about every valid peer a lookup hears of.
type learnFunc func(id peer.ID, addrs []string)

type candidate struct {
	id      peer.ID
	key     [blake2b.Size256]byte
	queried bool
	failed  bool
}

// iterativeFind runs a Kademlia FIND_NODE lookup for target. Each round queries the Alpha
// closest candidates not yet asked and merges what they return. It stops when a round
// brings no peer closer than the best seen so far, when no candidate is left to ask, or
// when the round budget is spent. The result holds at most K responsive or unqueried
// peers ordered by distance, without duplicates.
func iterativeFind(ctx context.Context, self, target peer.ID, seeds []peer.ID, cfg LookupConfig,
	query findPeersFunc, learn learnFunc) []peer.ID {

	tk := kadKey(target)
	candidates := make(map[peer.ID]*candidate)
	add := func(id peer.ID) bool {
		if id == self || id == "" {
			return false
		}
		if _, ok := candidates[id]; ok {
			return false
		}
		candidates[id] = &candidate{id: id, key: kadKey(id)}
		return true
	}
	for _, id := range seeds {
		add(id)
	}

	sorted := func() []*candidate {
		out := make([]*candidate, 0, len(candidates))
		for _, c := range candidates {
			if !c.failed {
				out = append(out, c)
			}
		}
		sort.Slice(out, func(i, j int) bool { return closer(tk, out[i].key, out[j].key) })
		return out
	}

	var best *candidate
	if s := sorted(); len(s) > 0 {
		best = s[0]
	}

	for round := 0; round < cfg.Rounds; round++ {
		if ctx.Err() != nil {
			break
		}

		var batch []*candidate
		for _, c := range sorted() {
			if len(batch) >= cfg.Alpha {
				break
			}
			if !c.queried {
				batch = append(batch, c)
			}
		}
		if len(batch) == 0 {
			break
		}

		type reply struct {
			from  *candidate
			peers []wire.PeerInfo
			err   error
		}
		replies := make([]reply, len(batch))
		var wg sync.WaitGroup
		for i, c := range batch {
			c.queried = true
			wg.Add(1)
			go func(i int, c *candidate) {
				defer wg.Done()
				peers, err := query(ctx, c.id, target)
				replies[i] = reply{from: c, peers: peers, err: err}
			}(i, c)
		}
		wg.Wait()

		for _, r := range replies {
			if r.err != nil {
				log.Debugf("lookup query to %s failed: %v", r.from.id, r.err)
				r.from.failed = true
				continue
			}
			for _, info := range r.peers {
				id, err := peer.Decode(info.ID)
				if err != nil {
					continue
				}
				if id == self {
					continue
				}
				learn(id, info.Addrs)
				add(id)
			}
		}

		s := sorted()
		if len(s) == 0 {
			best = nil
			break
		}
		if best != nil && !best.failed && !closer(tk, s[0].key, best.key) {
			break
		}
		best = s[0]
	}

	s := sorted()
	if cfg.K > 0 && len(s) > cfg.K {
		s = s[:cfg.K]
	}
	out := make([]peer.ID, len(s))
	for i, c := range s {
		out[i] = c.id
	}
	return out
}
