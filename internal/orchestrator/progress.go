package orchestrator

import (
	"bytes"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/bootrom/internal/fat"
)

// readFileBytes reads an entire FAT node's content (spec.md 4.10's
// "extract linux, initrd, options" file opens for loader.conf and the
// entry file itself, which are small enough not to need progress
// reporting).
func readFileBytes(node *fat.Node) ([]byte, error) {
	buf := make([]byte, node.Size())
	if _, err := io.ReadFull(node, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFileWithProgress streams a FAT node's content off the block device
// in sector-sized chunks, reporting a byte-granular progress bar to out
// (spec.md's DOMAIN STACK entry for C10's "load initrd into memory": a
// multi-megabyte copy deserves visible progress rather than a silent
// stall on serial).
func readFileWithProgress(node *fat.Node, out io.Writer, description string) ([]byte, error) {
	size := node.Size()
	buf := &bytes.Buffer{}
	buf.Grow(int(size))

	bar := progressbar.NewOptions64(int64(size),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(out),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowBytes(true),
	)
	defer bar.Close()

	if _, err := io.CopyN(io.MultiWriter(buf, bar), node, int64(size)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
