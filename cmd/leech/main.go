// Command leech downloads a single torrent given its metainfo file,
// printing progress to the terminal until every piece is committed or an
// unrecoverable condition forces an early exit (spec.md §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/lvbealr/leech/internal/client"
	"github.com/lvbealr/leech/internal/config"
	"github.com/lvbealr/leech/internal/metainfo"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		out      = flag.String("out", "./downloads", "output directory")
		port     = flag.Int("port", config.DefaultListenPortBase, "preferred listen port (falls through to 6882-6889 if busy)")
		maxPeers = flag.Int("max-peers", config.Default().MaxPeers, "maximum concurrent peer connections")
		pipeline = flag.Int("pipeline", config.Default().PipelineDepth, "outstanding block requests per peer")
		logLevel = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		return int(client.ExitInvalidMetainfo)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	entry := logrus.NewEntry(logger)

	meta, err := metainfo.DecodeFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, colorstring.Color(fmt.Sprintf("[red]metainfo error:[reset] %v", err)))
		return int(client.ExitInvalidMetainfo)
	}

	cfg := config.Default()
	cfg.OutputDir = *out
	cfg.MaxPeers = *maxPeers
	cfg.PipelineDepth = *pipeline
	cfg.ListenPortBase = *port
	if cfg.ListenPortBase > config.DefaultListenPortMax {
		cfg.ListenPortMax = cfg.ListenPortBase
	}

	peerID, err := config.GeneratePeerID()
	if err != nil {
		fmt.Fprintln(os.Stderr, colorstring.Color(fmt.Sprintf("[red]error:[reset] generating peer id: %v", err)))
		return int(client.ExitUnrecoverableIO)
	}
	cfg.PeerID = peerID

	c, err := client.New(meta, cfg, entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, colorstring.Color(fmt.Sprintf("[red]error:[reset] %v", err)))
		return exitCodeOf(err)
	}

	fmt.Println(colorstring.Color(fmt.Sprintf("[cyan]leech[reset]: downloading %q (%d pieces, %d bytes)",
		meta.Name, meta.PieceCount(), meta.TotalLength)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := progressbar.NewOptions64(
		meta.TotalLength,
		progressbar.OptionSetDescription(meta.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
	done := make(chan struct{})
	go renderProgress(ctx, c, meta, bar, done)

	runErr := c.Run(ctx)
	close(done)

	if runErr != nil {
		fmt.Fprintln(os.Stderr, colorstring.Color(fmt.Sprintf("\n[red]download failed:[reset] %v", runErr)))
		return exitCodeOf(runErr)
	}

	fmt.Println(colorstring.Color("\n[green]download complete[reset]"))
	return int(client.ExitSuccess)
}

// renderProgress polls the client's progress snapshot and updates bar
// until ctx is done or the caller closes done.
func renderProgress(ctx context.Context, c *client.Client, meta *metainfo.Metainfo, bar *progressbar.ProgressBar, done chan struct{}) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := c.Progress()
			committed := int64(p.Committed) * meta.PieceLength
			if committed > meta.TotalLength {
				committed = meta.TotalLength
			}
			bar.Set64(committed)
		}
	}
}

func exitCodeOf(err error) int {
	var cerr *client.Error
	if errors.As(err, &cerr) {
		return int(cerr.Code)
	}
	return int(client.ExitUnrecoverableIO)
}
