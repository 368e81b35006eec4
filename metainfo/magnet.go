package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

const btihPrefix = "urn:btih:"

// ParseMagnet builds an info-hash-only descriptor from a magnet URI.
// Hashes may be 40 hex or 32 base32 characters.
func ParseMagnet(uri string) (*Descriptor, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid magnet uri: %w", err)
	}

	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet uri: %q", uri)
	}

	query := u.Query()
	d := &Descriptor{Name: query.Get("dn")}

	found := false
	for _, xt := range query["xt"] {
		if !strings.HasPrefix(xt, btihPrefix) {
			continue
		}

		d.InfoHash, err = decodeInfoHash(xt[len(btihPrefix):])
		if err != nil {
			return nil, err
		}
		found = true
		break
	}

	if !found {
		return nil, ErrNoInfoHash
	}

	d.AddAnnounce(query["tr"]...)
	return d, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var infoHash [20]byte

	var raw []byte
	var err error
	switch len(s) {
	case 40:
		raw, err = hex.DecodeString(s)
	case 32:
		raw, err = base32.StdEncoding.DecodeString(strings.ToUpper(s))
	default:
		return infoHash, fmt.Errorf("invalid info-hash length %d", len(s))
	}

	if err != nil {
		return infoHash, fmt.Errorf("invalid info-hash %q: %w", s, err)
	}

	copy(infoHash[:], raw)
	return infoHash, nil
}

// MagnetURI returns a magnet link for the descriptor.
func (d *Descriptor) MagnetURI() string {
	query := url.Values{}
	if d.Name != "" {
		query.Set("dn", d.Name)
	}
	for _, tr := range d.Announce {
		query.Add("tr", tr)
	}

	uri := "magnet:?xt=" + btihPrefix + d.HexHash()
	if len(query) > 0 {
		uri += "&" + query.Encode()
	}
	return uri
}
