package metainfo

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jinzhu/copier"
	"github.com/zeebo/bencode"
)

var (
	ErrNoInfoHash   = errors.New("descriptor has no info-hash")
	ErrHashMismatch = errors.New("info dictionary does not match info-hash")
)

// Descriptor describes the seeded content. It is not modified once built;
// use Clone to get an independent copy.
type Descriptor struct {
	InfoHash        [20]byte
	Name            string
	PieceLength     int
	LastPieceLength int
	Length          int64
	PieceHashes     [][20]byte
	Files           []File
	Announce        []string
	Private         bool

	// raw bencoded info dictionary, nil until the metadata is known
	Info []byte
}

type File struct {
	Path   []string
	Length int64
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int64             `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     int               `bencode:"private,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	Info         bencode.RawMessage `bencode:"info"`
}

type bencodeFileInfo struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

func Open(path string) (*Descriptor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse a bencoded .torrent file.
func Parse(r io.Reader) (*Descriptor, error) {
	bto := bencodeTorrent{}
	if err := bencode.NewDecoder(r).Decode(&bto); err != nil {
		return nil, fmt.Errorf("failed to decode torrent file: %w", err)
	}

	if len(bto.Info) == 0 {
		return nil, ErrNoInfoHash
	}

	d, err := ParseInfo(sha1.Sum(bto.Info), bto.Info)
	if err != nil {
		return nil, err
	}

	d.Announce = flattenAnnounceList(bto.Announce, bto.AnnounceList)
	return d, nil
}

// ParseInfo builds a descriptor from a raw info dictionary, as delivered by
// ut_metadata. The sha1 of raw must equal infoHash.
func ParseInfo(infoHash [20]byte, raw []byte) (*Descriptor, error) {
	if sha1.Sum(raw) != infoHash {
		return nil, ErrHashMismatch
	}

	binfo := bencodeInfo{}
	if err := bencode.DecodeBytes(raw, &binfo); err != nil {
		return nil, fmt.Errorf("failed to decode info dictionary: %w", err)
	}

	pieceHashes, err := binfo.generatePieceHashes()
	if err != nil {
		return nil, err
	}

	if binfo.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", binfo.PieceLength)
	}

	d := &Descriptor{
		InfoHash:    infoHash,
		Name:        binfo.Name,
		PieceLength: binfo.PieceLength,
		PieceHashes: pieceHashes,
		Private:     binfo.Private == 1,
		Info:        append([]byte(nil), raw...),
	}

	if len(binfo.Files) == 0 {
		d.Length = binfo.Length
		d.Files = []File{{Path: []string{binfo.Name}, Length: binfo.Length}}
	} else {
		for _, f := range binfo.Files {
			d.Length += f.Length
			d.Files = append(d.Files, File{Path: append([]string{binfo.Name}, f.Path...), Length: f.Length})
		}
	}

	numPieces := int((d.Length + int64(d.PieceLength) - 1) / int64(d.PieceLength))
	if numPieces != len(pieceHashes) {
		return nil, fmt.Errorf("expected %d piece hashes for length %d, got %d", numPieces, d.Length, len(pieceHashes))
	}

	d.LastPieceLength = int(d.Length - int64(numPieces-1)*int64(d.PieceLength))
	return d, nil
}

func (binfo *bencodeInfo) generatePieceHashes() ([][20]byte, error) {
	hashLength := 20
	buf := []byte(binfo.Pieces)

	if len(buf)%hashLength != 0 {
		err := fmt.Errorf("received incorrect number of pieces with length %d", len(buf))
		return nil, err
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

// Flatten announce and announce-list into one list, first occurrence wins.
func flattenAnnounceList(announce string, announceList [][]string) []string {
	var flat []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		flat = append(flat, u)
	}

	for _, tier := range announceList {
		for _, u := range tier {
			add(u)
		}
	}
	add(announce)
	return flat
}

// AddAnnounce appends tracker urls that are not yet known.
func (d *Descriptor) AddAnnounce(urls ...string) {
	d.Announce = flattenAnnounceList("", [][]string{d.Announce, urls})
}

func (d *Descriptor) HasInfo() bool {
	return len(d.Info) > 0
}

func (d *Descriptor) NumPieces() int {
	return len(d.PieceHashes)
}

// Length of piece i; the last piece may be shorter.
func (d *Descriptor) PieceLen(i int) int {
	if i < 0 || i >= d.NumPieces() {
		return 0
	}
	if i == d.NumPieces()-1 {
		return d.LastPieceLength
	}
	return d.PieceLength
}

func (d *Descriptor) HexHash() string {
	return hex.EncodeToString(d.InfoHash[:])
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	clone := &Descriptor{}
	// copier only fails on mismatched kinds
	_ = copier.CopyWithOption(clone, d, copier.Option{DeepCopy: true})
	return clone
}
