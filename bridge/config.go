package bridge

import (
	"errors"
	"time"

	"seedbridge/config"
	"seedbridge/torrent"
)

var ErrNoDiscovery = errors.New("enable tracker or dht peer discovery")

type Config struct {
	// zero generates one
	PeerID [20]byte

	// 0 picks a free port per torrent
	TorrentPort int
	UseTracker  bool
	// trackers added to every torrent
	Announce []string

	UseDHT  bool
	DHTPort int
	// nil uses the default bootstrap routers
	DHTRouters []string
	// peers a DHT search looks for, 0 keeps the library default
	DHTTargetPeers int

	UnchokeSlots      int
	MaxConns          int
	MaxFetchesPerWire int
	// bytes per second over all torrents, 0 for unlimited
	MaxUploadRate int
	FetchTimeout  time.Duration
}

// DefaultConfig reads the bridge settings from the config file.
func DefaultConfig() Config {
	cfg := Config{}

	cfg.TorrentPort, _ = config.GetInt("torrent_port", 0)
	cfg.UseTracker, _ = config.GetBool("tracker", true)
	cfg.Announce, _ = config.GetStrings("announce", nil)
	cfg.UseDHT, _ = config.GetBool("dht", true)
	cfg.DHTPort, _ = config.GetInt("dht_port", 0)
	cfg.DHTRouters, _ = config.GetStrings("dht_routers", nil)
	cfg.DHTTargetPeers, _ = config.GetInt("dht_target_peers", 0)
	cfg.UnchokeSlots, _ = config.GetInt("unchoke_slots", torrent.DefaultUnchokeSlots)
	cfg.MaxConns, _ = config.GetInt("max_conns", 0)
	cfg.MaxFetchesPerWire, _ = config.GetInt("max_fetches_per_wire", torrent.DefaultMaxFetchesPerWire)
	cfg.MaxUploadRate, _ = config.GetInt("max_upload_rate", 0)
	cfg.FetchTimeout, _ = config.GetDuration("fetch_timeout", torrent.DefaultFetchTimeout)

	return cfg
}

func (cfg Config) Validate() error {
	if !cfg.UseTracker && !cfg.UseDHT {
		return ErrNoDiscovery
	}
	return nil
}
