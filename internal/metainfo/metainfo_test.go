package metainfo

import (
	"bytes"
	"crypto/sha1"
	"strconv"
	"testing"
)

// buildTorrent bencodes a minimal single-file torrent by hand (rather than
// via bencode.Marshal on a struct) so the key order is deterministic and
// matches what extractInfoDict expects to scan.
func buildTorrent(t *testing.T, pieceHashes []byte, pieceLength, length int64, multiFile bool) []byte {
	t.Helper()

	info := new(bytes.Buffer)
	info.WriteString("d")
	if multiFile {
		info.WriteString("5:filesl")
		info.WriteString("d6:lengthi" + itoa(length/2) + "e4:pathl5:a.binee")
		info.WriteString("d6:lengthi" + itoa(length-length/2) + "e4:pathl5:b.binee")
		info.WriteString("e")
	} else {
		info.WriteString("6:lengthi" + itoa(length) + "e")
	}
	info.WriteString("4:name4:test")
	info.WriteString("12:piece lengthi" + itoa(pieceLength) + "e")
	info.WriteString("6:pieces" + itoa(int64(len(pieceHashes))) + ":")
	info.Write(pieceHashes)
	info.WriteString("e")

	root := new(bytes.Buffer)
	root.WriteString("d8:announce13:udp://tr:1337")
	root.WriteString("4:info")
	root.Write(info.Bytes())
	root.WriteString("e")

	return root.Bytes()
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestDecodeSingleFile(t *testing.T) {
	pieceLength := int64(16)
	length := int64(40) // 3 pieces, last one short
	hash := make([]byte, 60)
	raw := buildTorrent(t, hash, pieceLength, length, false)

	m, err := Decode(bytes.NewReader(raw), raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if m.PieceCount() != 3 {
		t.Fatalf("PieceCount() = %d, want 3", m.PieceCount())
	}
	if m.PieceLen(0) != 16 || m.PieceLen(2) != 8 {
		t.Fatalf("PieceLen(0)=%d PieceLen(2)=%d, want 16 and 8", m.PieceLen(0), m.PieceLen(2))
	}
	if len(m.Files) != 1 || m.Files[0].Length != length {
		t.Fatalf("Files = %+v", m.Files)
	}
	if m.AnnounceList[0][0] != "udp://tr:1337" {
		t.Fatalf("AnnounceList = %+v", m.AnnounceList)
	}
}

func TestDecodeMultiFile(t *testing.T) {
	pieceLength := int64(16)
	length := int64(32)
	hash := make([]byte, 40)
	raw := buildTorrent(t, hash, pieceLength, length, true)

	m, err := Decode(bytes.NewReader(raw), raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(m.Files) != 2 {
		t.Fatalf("Files = %+v", m.Files)
	}
	if m.Files[0].Offset != 0 || m.Files[1].Offset != 16 {
		t.Fatalf("offsets = %d, %d", m.Files[0].Offset, m.Files[1].Offset)
	}
	if m.TotalLength != length {
		t.Fatalf("TotalLength = %d, want %d", m.TotalLength, length)
	}
}

func TestInfoHashStableAcrossDecode(t *testing.T) {
	hash := make([]byte, 20)
	raw := buildTorrent(t, hash, 16, 10, false)

	m1, err := Decode(bytes.NewReader(raw), raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	infoBytes, err := extractInfoDict(raw)
	if err != nil {
		t.Fatalf("extractInfoDict: %v", err)
	}
	want := sha1.Sum(infoBytes)

	if m1.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x", m1.InfoHash, want)
	}

	// Decoding twice must yield the same hash (idempotence, spec.md §8).
	m2, err := Decode(bytes.NewReader(raw), raw)
	if err != nil {
		t.Fatalf("Decode (2nd): %v", err)
	}
	if m1.InfoHash != m2.InfoHash {
		t.Fatalf("info hash not stable across decodes: %x != %x", m1.InfoHash, m2.InfoHash)
	}
}

func TestDecodeRejectsBadPieceCount(t *testing.T) {
	hash := make([]byte, 21) // not a multiple of 20
	raw := buildTorrent(t, hash, 16, 10, false)
	if _, err := Decode(bytes.NewReader(raw), raw); err == nil {
		t.Fatal("expected error for malformed pieces field")
	}
}
