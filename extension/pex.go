package extension

import (
	"seedbridge/log"
	"seedbridge/peer"
	"seedbridge/swarm"

	"github.com/zeebo/bencode"
)

const PexName = "ut_pex"

type pexMessage struct {
	Added   string `bencode:"added"`
	Dropped string `bencode:"dropped"`
}

// Pex reports the peers a remote peer tells us about. We never send our own
// peer lists.
type Pex struct {
	onPeer    func(addr string)
	onDropped func(addr string)
}

func NewPex(onPeer, onDropped func(addr string)) *Pex {
	return &Pex{onPeer: onPeer, onDropped: onDropped}
}

func (p *Pex) Name() string {
	return PexName
}

func (p *Pex) ExtendedHandshake(map[string]interface{}) {}

func (p *Pex) OnExtendedHandshake(*swarm.ExtendedHandshake) {}

func (p *Pex) OnMessage(payload []byte) {
	var msg pexMessage
	if err := bencode.DecodeBytes(payload, &msg); err != nil {
		log.Debug.Printf("Bad ut_pex message: %v", err)
		return
	}

	added, err := peer.Unmarshal([]byte(msg.Added))
	if err != nil {
		log.Debug.Printf("Bad ut_pex added list: %v", err)
	}
	for _, a := range added {
		p.onPeer(a.String())
	}

	dropped, err := peer.Unmarshal([]byte(msg.Dropped))
	if err != nil {
		log.Debug.Printf("Bad ut_pex dropped list: %v", err)
	}
	for _, d := range dropped {
		p.onDropped(d.String())
	}
}
