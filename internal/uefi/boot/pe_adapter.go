package boot

import (
	"io"

	"github.com/tinyrange/bootrom/internal/memregion"
	"github.com/tinyrange/bootrom/internal/pe"
)

// PELoader adapts pe.Load to the Loader interface BootServices.LoadImage
// needs, fixing the target memory region and running architecture.
type PELoader struct {
	Mem     *memregion.Region
	Machine pe.Machine
}

func (l *PELoader) LoadImage(r io.ReaderAt, loadAddr uint64) (entryAddr, loadedAt, size uint64, err error) {
	img, err := pe.Load(r, l.Mem, loadAddr, l.Machine)
	if err != nil {
		return 0, 0, 0, err
	}
	return img.EntryAddr, img.LoadAddr, img.Size, nil
}
