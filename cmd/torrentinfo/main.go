// Command torrentinfo prints a metainfo file's summary without
// downloading anything: name, piece layout, total size, announce tiers,
// and info hash.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lvbealr/leech/internal/metainfo"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	meta, err := metainfo.DecodeFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "torrentinfo: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("name:         %s\n", meta.Name)
	fmt.Printf("info hash:    %x\n", meta.InfoHash)
	fmt.Printf("total size:   %d bytes\n", meta.TotalLength)
	fmt.Printf("piece length: %d bytes\n", meta.PieceLength)
	fmt.Printf("pieces:       %d\n", meta.PieceCount())
	fmt.Printf("files:        %d\n", len(meta.Files))
	for _, f := range meta.Files {
		fmt.Printf("  %-40s %10d bytes (offset %d)\n", f.Path, f.Length, f.Offset)
	}

	fmt.Printf("announce tiers: %d\n", len(meta.AnnounceList))
	for i, tier := range meta.AnnounceList {
		fmt.Printf("  tier %d:\n", i)
		for _, url := range tier {
			fmt.Printf("    %s\n", url)
		}
	}
}
