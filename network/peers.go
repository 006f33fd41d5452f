package network

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
)

// PeerRecord contains information about a network peer.
type PeerRecord struct {
	ID          peer.ID   `json:"id"`
	Addrs       []string  `json:"addrs"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
	Banned      bool      `json:"banned"`
	BannedUntil time.Time `json:"banned_until,omitempty"`
	Connected   bool      `json:"connected"`
}

func (r *PeerRecord) clone() PeerRecord {
	out := *r
	out.Addrs = append([]string(nil), r.Addrs...)
	return out
}

// BootstrapPeer is a statically configured entry point into the network.
type BootstrapPeer struct {
	ID    peer.ID
	Addrs []string
}

// Directory is the set of known peers. All methods are safe for concurrent use.
type Directory struct {
	self      peer.ID
	maxPeers  int
	bootstrap []BootstrapPeer

	peers map[peer.ID]*PeerRecord
	mu    sync.RWMutex

	now func() time.Time
}

// NewDirectory creates a directory that connects at most maxPeers peers.
func NewDirectory(self peer.ID, maxPeers int, bootstrap []BootstrapPeer) *Directory {
	if maxPeers <= 0 {
		maxPeers = 1
	}
	return &Directory{
		self:      self,
		maxPeers:  maxPeers,
		bootstrap: bootstrap,
		peers:     make(map[peer.ID]*PeerRecord),
		now:       time.Now,
	}
}

// Self returns the local peer id.
func (d *Directory) Self() peer.ID {
	return d.self
}

// Bootstrap returns a copy of the configured bootstrap list.
func (d *Directory) Bootstrap() []BootstrapPeer {
	out := make([]BootstrapPeer, len(d.bootstrap))
	for i, b := range d.bootstrap {
		out[i] = BootstrapPeer{ID: b.ID, Addrs: append([]string(nil), b.Addrs...)}
	}
	return out
}

// AddPeer records a discovered peer. It is an idempotent upsert: known peers get their
// addresses merged, banned peers are ignored until the ban has expired. It reports whether
// a new record was created.
func (d *Directory) AddPeer(id peer.ID, addrs []string) bool {
	if id == d.self || id == "" {
		return false
	}
	addrs = validAddrs(addrs)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if rec, ok := d.peers[id]; ok {
		if rec.Banned {
			if now.Before(rec.BannedUntil) {
				return false
			}
			delete(d.peers, id)
		} else {
			rec.Addrs = mergeAddrs(rec.Addrs, addrs)
			return false
		}
	}

	d.peers[id] = &PeerRecord{
		ID:        id,
		Addrs:     addrs,
		Online:    true,
		LastSeen:  now,
		Connected: d.connectedLocked() < d.maxPeers,
	}
	return true
}

// Connect is the explicit connect entry point. Unlike AddPeer it fails when the peer is
// already known, banned, unaddressable or when every slot is taken.
func (d *Directory) Connect(id peer.ID, addrs []string) error {
	if id == d.self {
		return p2perr.Peer(p2perr.ErrConnection, id, "cannot connect to self")
	}
	if len(addrs) == 0 {
		return p2perr.Peer(p2perr.ErrAddressParse, id, "no address")
	}
	for _, a := range addrs {
		if _, err := ma.NewMultiaddr(a); err != nil {
			return fmt.Errorf("%w: %q: %v", p2perr.ErrAddressParse, a, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if rec, ok := d.peers[id]; ok {
		if !rec.Banned {
			return p2perr.Peer(p2perr.ErrDuplicateConnection, id, "")
		}
		if now.Before(rec.BannedUntil) {
			return p2perr.Peer(p2perr.ErrPeerBanned, id, "until "+rec.BannedUntil.Format(time.RFC3339))
		}
		delete(d.peers, id)
	}
	if d.connectedLocked() >= d.maxPeers {
		return p2perr.Peer(p2perr.ErrConnection, id, fmt.Sprintf("at capacity (%d peers)", d.maxPeers))
	}

	d.peers[id] = &PeerRecord{
		ID:        id,
		Addrs:     append([]string(nil), addrs...),
		Online:    true,
		LastSeen:  now,
		Connected: true,
	}
	return nil
}

// RemovePeer forgets a peer. The freed slot is given to the best known unconnected peer.
func (d *Directory) RemovePeer(id peer.ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[id]
	if !ok {
		return p2perr.PeerNotFound(id)
	}
	delete(d.peers, id)
	if rec.Connected {
		d.promoteLocked()
	}
	return nil
}

// Ban disconnects a peer and refuses to re-add it for duration. Unknown peers are banned too.
func (d *Directory) Ban(id peer.ID, duration time.Duration) {
	if id == d.self {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[id]
	if !ok {
		rec = &PeerRecord{ID: id}
		d.peers[id] = rec
	}
	wasConnected := rec.Connected
	rec.Banned = true
	rec.BannedUntil = d.now().Add(duration)
	rec.Connected = false
	rec.Online = false
	if wasConnected {
		d.promoteLocked()
	}
}

// IsBanned reports whether id is under an unexpired ban.
func (d *Directory) IsBanned(id peer.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.peers[id]
	return ok && rec.Banned && d.now().Before(rec.BannedUntil)
}

// PruneBans removes every record whose ban has expired and returns their ids.
func (d *Directory) PruneBans() []peer.ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var pruned []peer.ID
	for id, rec := range d.peers {
		if rec.Banned && !now.Before(rec.BannedUntil) {
			delete(d.peers, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}

// Touch records a successful contact with a known, unbanned peer.
func (d *Directory) Touch(id peer.ID, addrs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.peers[id]
	if !ok || rec.Banned {
		return
	}
	rec.Online = true
	rec.LastSeen = d.now()
	if len(addrs) > 0 {
		rec.Addrs = mergeAddrs(rec.Addrs, validAddrs(addrs))
	}
}

// MarkOnline flags a known, unbanned peer as reachable without touching LastSeen.
func (d *Directory) MarkOnline(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec, ok := d.peers[id]; ok && !rec.Banned {
		rec.Online = true
	}
}

// MarkOffline flags a peer as unreachable. The record and its slot are kept.
func (d *Directory) MarkOffline(id peer.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec, ok := d.peers[id]; ok {
		rec.Online = false
	}
}

// MarkStale flags every online peer not heard from within maxSilence as offline and
// returns their ids.
func (d *Directory) MarkStale(maxSilence time.Duration) []peer.ID {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-maxSilence)
	var stale []peer.ID
	for id, rec := range d.peers {
		if rec.Online && rec.LastSeen.Before(cutoff) {
			rec.Online = false
			stale = append(stale, id)
		}
	}
	return stale
}

// Idle returns how long ago id was last heard from.
func (d *Directory) Idle(id peer.ID) (time.Duration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.peers[id]
	if !ok {
		return 0, false
	}
	return d.now().Sub(rec.LastSeen), true
}

// Get returns a copy of one record.
func (d *Directory) Get(id peer.ID) (PeerRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.peers[id]
	if !ok {
		return PeerRecord{}, false
	}
	return rec.clone(), true
}

// ListPeers returns a point-in-time copy of every record, ordered by id.
func (d *Directory) ListPeers() []PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]PeerRecord, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnectedIDs returns the ids of connected peers, ordered by id.
func (d *Directory) ConnectedIDs() []peer.ID {
	return d.filterIDs(func(r *PeerRecord) bool { return r.Connected && !r.Banned })
}

// OnlineIDs returns the ids of connected peers currently believed reachable.
func (d *Directory) OnlineIDs() []peer.ID {
	return d.filterIDs(func(r *PeerRecord) bool { return r.Connected && !r.Banned && r.Online })
}

func (d *Directory) filterIDs(keep func(*PeerRecord) bool) []peer.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]peer.ID, 0, len(d.peers))
	for id, rec := range d.peers {
		if keep(rec) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of records, banned ones included.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}

// ConnectedCount returns the number of occupied slots.
func (d *Directory) ConnectedCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedLocked()
}

// Closest returns up to k unbanned peers ordered by XOR distance to target.
func (d *Directory) Closest(target peer.ID, k int) []PeerRecord {
	d.mu.RLock()
	out := make([]PeerRecord, 0, len(d.peers))
	for _, rec := range d.peers {
		if !rec.Banned {
			out = append(out, rec.clone())
		}
	}
	d.mu.RUnlock()

	tk := kadKey(target)
	sort.Slice(out, func(i, j int) bool {
		return closer(tk, kadKey(out[i].ID), kadKey(out[j].ID))
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func (d *Directory) connectedLocked() int {
	n := 0
	for _, rec := range d.peers {
		if rec.Connected {
			n++
		}
	}
	return n
}

// promoteLocked connects the most recently seen online peer that is waiting for a slot.
func (d *Directory) promoteLocked() {
	if d.connectedLocked() >= d.maxPeers {
		return
	}
	var best *PeerRecord
	for _, rec := range d.peers {
		if rec.Connected || rec.Banned || !rec.Online {
			continue
		}
		if best == nil || rec.LastSeen.After(best.LastSeen) ||
			(rec.LastSeen.Equal(best.LastSeen) && rec.ID < best.ID) {
			best = rec
		}
	}
	if best != nil {
		best.Connected = true
		log.Debugf("promoted peer %s to a free slot", best.ID)
	}
}

// kadKey maps a peer id into the XOR keyspace.
func kadKey(id peer.ID) [blake2b.Size256]byte {
	return blake2b.Sum256([]byte(id))
}

// closer reports whether a is strictly closer to target than b.
func closer(target, a, b [blake2b.Size256]byte) bool {
	var da, db [blake2b.Size256]byte
	for i := range target {
		da[i] = a[i] ^ target[i]
		db[i] = b[i] ^ target[i]
	}
	return bytes.Compare(da[:], db[:]) < 0
}

func validAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, err := ma.NewMultiaddr(a); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func mergeAddrs(have, add []string) []string {
	for _, a := range add {
		found := false
		for _, h := range have {
			if h == a {
				found = true
				break
			}
		}
		if !found {
			have = append(have, a)
		}
	}
	return have
}
