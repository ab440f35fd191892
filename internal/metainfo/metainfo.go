// Package metainfo decodes a bencoded .torrent file into the typed
// Metainfo the rest of the client consumes. Decoding the bencode tree
// itself is delegated to github.com/jackpal/bencode-go (out of scope per
// spec.md §1 to hand-roll); this package is the strongly-typed projection
// layer spec.md §9 calls for ("define a tagged sum type for decoded
// values and a strongly-typed projection layer ... with precise errors at
// the boundary").
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// FileEntry is one file of a (possibly multi-file) torrent, with its byte
// offset into the logical concatenation of all files.
type FileEntry struct {
	Path   string // relative to the torrent's output directory
	Length int64
	Offset int64
}

// Metainfo is the strongly-typed projection of a .torrent file's contents
// needed to run a download, per spec.md §3 and §6.
type Metainfo struct {
	Announce     string
	AnnounceList [][]string // ordered tiers; empty tiers are dropped

	Name        string
	InfoHash    [20]byte
	PieceLength int64
	PieceHashes [][20]byte
	Files       []FileEntry
	TotalLength int64
}

// rawFile mirrors the bencoded "files" list entries.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencoded "info" dictionary (spec.md §6).
type rawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

// rawTorrent mirrors the bencoded root dictionary (spec.md §6).
type rawTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// DecodeFile reads and decodes the .torrent file at path.
func DecodeFile(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}
	return Decode(bytes.NewReader(data), data)
}

// Decode parses a bencoded torrent from r. raw must contain the same bytes
// r reads from (the caller passes the full buffer so the info-hash
// computation below can re-scan it); Decode exists as the seam DecodeFile
// and tests both go through.
func Decode(r io.Reader, raw []byte) (*Metainfo, error) {
	var rt rawTorrent
	if err := bencode.Unmarshal(r, &rt); err != nil {
		return nil, fmt.Errorf("metainfo: decoding bencode: %w", err)
	}

	infoBytes, err := extractInfoDict(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	m := &Metainfo{
		Announce:     rt.Announce,
		AnnounceList: normalizeTiers(rt.Announce, rt.AnnounceList),
		Name:         rt.Info.Name,
		InfoHash:     infoHash,
		PieceLength:  rt.Info.PieceLength,
	}

	if m.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: invalid piece length %d", m.PieceLength)
	}
	if len(rt.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces field length %d not a multiple of 20", len(rt.Info.Pieces))
	}

	pieceCount := len(rt.Info.Pieces) / 20
	m.PieceHashes = make([][20]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		copy(m.PieceHashes[i][:], rt.Info.Pieces[i*20:(i+1)*20])
	}

	if len(rt.Info.Files) == 0 {
		if rt.Info.Length <= 0 {
			return nil, fmt.Errorf("metainfo: single-file torrent has non-positive length %d", rt.Info.Length)
		}
		m.Files = []FileEntry{{Path: rt.Info.Name, Length: rt.Info.Length, Offset: 0}}
		m.TotalLength = rt.Info.Length
	} else {
		var offset int64
		for _, f := range rt.Info.Files {
			path := joinPath(f.Path)
			m.Files = append(m.Files, FileEntry{Path: path, Length: f.Length, Offset: offset})
			offset += f.Length
		}
		m.TotalLength = offset
	}

	wantPieces := int((m.TotalLength + m.PieceLength - 1) / m.PieceLength)
	if wantPieces != pieceCount {
		return nil, fmt.Errorf("metainfo: piece count mismatch: hashes imply %d, sizes imply %d", pieceCount, wantPieces)
	}

	return m, nil
}

// PieceCount returns the number of pieces, derived from PieceHashes.
func (m *Metainfo) PieceCount() int {
	return len(m.PieceHashes)
}

// PieceLen returns the byte length of piece index, accounting for the last
// piece being shorter than PieceLength (spec.md §3, §8).
func (m *Metainfo) PieceLen(index int) int64 {
	if index == m.PieceCount()-1 {
		rem := m.TotalLength % m.PieceLength
		if rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += string(os.PathSeparator)
		}
		out += p
	}
	return out
}

// normalizeTiers folds the single "announce" string into the tier list
// when announce-list is absent, so callers only ever deal with tiers
// (spec.md §4.2 tier policy).
func normalizeTiers(announce string, tiers [][]string) [][]string {
	if len(tiers) > 0 {
		out := make([][]string, 0, len(tiers))
		for _, tier := range tiers {
			if len(tier) > 0 {
				out = append(out, tier)
			}
		}
		return out
	}
	if announce == "" {
		return nil
	}
	return [][]string{{announce}}
}

// extractInfoDict locates the raw bytes of the "4:info" value within the
// original bencoded buffer so its SHA-1 can be computed without re-encoding
// the decoded struct (which could disagree with the original byte-for-byte
// encoding on dictionary key order or integer formatting). This is the
// teacher's own approach (torrent/parse.go's extractInfoBytes), generalized
// to a standalone scanner over the bencode grammar's three span forms
// (string, integer, and nested list/dict).
func extractInfoDict(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf(`no "4:info" key found`)
	}

	start := idx + len("4:info")
	end, err := scanValue(data, start)
	if err != nil {
		return nil, err
	}
	return data[start:end], nil
}

// scanValue returns the index just past the bencoded value beginning at
// data[pos], handling strings, integers, lists, and dicts (lists/dicts via
// depth counting on 'l'/'d'/'e', matching the grammar's nesting rule).
func scanValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("unexpected end of data at %d", pos)
	}

	switch {
	case data[pos] == 'i':
		j := pos + 1
		for ; j < len(data) && data[j] != 'e'; j++ {
		}
		if j >= len(data) {
			return 0, fmt.Errorf("unterminated integer at %d", pos)
		}
		return j + 1, nil

	case data[pos] == 'l' || data[pos] == 'd':
		depth := 0
		i := pos
		for i < len(data) {
			switch data[i] {
			case 'l', 'd':
				depth++
				i++
			case 'e':
				depth--
				i++
				if depth == 0 {
					return i, nil
				}
			case 'i':
				next, err := scanValue(data, i)
				if err != nil {
					return 0, err
				}
				i = next
			default:
				if data[i] < '0' || data[i] > '9' {
					return 0, fmt.Errorf("unexpected byte %q at %d", data[i], i)
				}
				next, err := scanValue(data, i)
				if err != nil {
					return 0, err
				}
				i = next
			}
		}
		return 0, fmt.Errorf("unterminated list/dict at %d", pos)

	case data[pos] >= '0' && data[pos] <= '9':
		j := pos
		for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
		}
		if j >= len(data) || data[j] != ':' {
			return 0, fmt.Errorf("malformed string length at %d", pos)
		}
		length, err := strconv.Atoi(string(data[pos:j]))
		if err != nil {
			return 0, fmt.Errorf("invalid string length at %d: %w", pos, err)
		}
		strStart := j + 1
		strEnd := strStart + length
		if strEnd > len(data) {
			return 0, fmt.Errorf("string length %d overruns buffer at %d", length, pos)
		}
		return strEnd, nil

	default:
		return 0, fmt.Errorf("unexpected byte %q at %d", data[pos], pos)
	}
}
