package torrent

import (
	"cmp"
	"slices"
)

type rechokePeer struct {
	ws        *wireState
	down, up  float64
	salt      int64
	amChoking bool
	choke     bool
}

// rechoke unchokes the best peers until UnchokeSlots interested ones are
// counted, plus one random interested peer that keeps its slot for
// optimisticDuration ticks.
func (t *Torrent) rechoke() {
	if t.optimisticTicks > 0 {
		t.optimisticTicks--
	} else {
		t.optimistic = nil
	}

	peers := make([]*rechokePeer, 0, len(t.wires))
	for _, ws := range t.wires {
		if ws.isSeeder || ws.closed || ws == t.optimistic {
			continue
		}
		peers = append(peers, &rechokePeer{
			ws:        ws,
			down:      ws.wire.DownloadSpeed(),
			up:        ws.wire.UploadSpeed(),
			salt:      t.rand.Int63(),
			amChoking: ws.wire.AmChoking(),
			choke:     true,
		})
	}

	slices.SortFunc(peers, func(a, b *rechokePeer) int {
		if a.down != b.down {
			return cmp.Compare(b.down, a.down)
		}
		if a.up != b.up {
			return cmp.Compare(b.up, a.up)
		}
		if a.amChoking != b.amChoking {
			if a.amChoking {
				return 1
			}
			return -1
		}
		return cmp.Compare(a.salt, b.salt)
	})

	interested, i := 0, 0
	for ; i < len(peers) && interested < t.cfg.UnchokeSlots; i++ {
		peers[i].choke = false
		if peers[i].ws.wire.PeerInterested() {
			interested++
		}
	}

	if t.optimistic == nil && i < len(peers) && t.cfg.UnchokeSlots > 0 {
		var candidates []*rechokePeer
		for _, p := range peers[i:] {
			if p.ws.wire.PeerInterested() {
				candidates = append(candidates, p)
			}
		}

		if len(candidates) > 0 {
			p := candidates[t.rand.Intn(len(candidates))]
			p.choke = false
			t.optimistic = p.ws
			t.optimisticTicks = optimisticDuration
		}
	}

	for _, p := range peers {
		if p.amChoking == p.choke {
			continue
		}
		if p.choke {
			p.ws.wire.Choke()
		} else {
			p.ws.wire.Unchoke()
		}
	}
}
