// cpio.go implements a read-only reader for the "newc" CPIO format, the
// same archive format seL4's cpio_get_file reads out of the root task
// image (original_source/sos/src/main.c, _cpio_archive/_cpio_archive_end).
package elfloader

import (
	"encoding/hex"
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
)

const (
	newcMagic     = "070701"
	newcHeaderLen = 110
	trailerName   = "TRAILER!!!"
)

// Archive is a parsed, read-only view of a newc CPIO blob: a name ->
// file-bytes index built once at load time.
type Archive struct {
	files map[string][]byte
	order []string
}

// ParseArchive walks every newc entry in blob and indexes it by name,
// stopping at the conventional TRAILER!!! end-of-archive entry.
func ParseArchive(blob []byte) (*Archive, error) {
	a := &Archive{files: make(map[string][]byte)}

	off := 0
	for off < len(blob) {
		if off+newcHeaderLen > len(blob) {
			return nil, kernel.WrapError("elfloader.ParseArchive", errcode.BadELF,
				fmt.Errorf("truncated cpio header at offset %d", off))
		}

		hdr := blob[off : off+newcHeaderLen]
		if string(hdr[0:6]) != newcMagic {
			return nil, kernel.WrapError("elfloader.ParseArchive", errcode.BadELF,
				fmt.Errorf("bad cpio magic %q at offset %d", hdr[0:6], off))
		}

		namesize, err := hexField(hdr, 94)
		if err != nil {
			return nil, err
		}

		filesize, err := hexField(hdr, 54)
		if err != nil {
			return nil, err
		}

		nameStart := off + newcHeaderLen
		nameEnd := nameStart + int(namesize)
		if nameEnd > len(blob) {
			return nil, kernel.WrapError("elfloader.ParseArchive", errcode.BadELF,
				fmt.Errorf("truncated cpio name at offset %d", off))
		}

		name := trimNulString(blob[nameStart:nameEnd])

		fileStart := align4(nameEnd)
		fileEnd := fileStart + int(filesize)
		if fileEnd > len(blob) {
			return nil, kernel.WrapError("elfloader.ParseArchive", errcode.BadELF,
				fmt.Errorf("truncated cpio body for %q", name))
		}

		if name == trailerName {
			break
		}

		a.files[name] = blob[fileStart:fileEnd]
		a.order = append(a.order, name)

		off = align4(fileEnd)
	}

	return a, nil
}

// Lookup returns the file-backed bytes for name, matching cpio_get_file.
func (a *Archive) Lookup(name string) ([]byte, bool) {
	data, ok := a.files[name]
	return data, ok
}

// List reports every file name the archive holds, in archive order. This
// is the sos_getdirent-style directory listing: without it a CPIO
// archive is opaque to a caller with no way to enumerate it.
func (a *Archive) List() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)

	return out
}

func hexField(hdr []byte, at int) (uint64, error) {
	raw := hdr[at : at+8]

	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return 0, kernel.WrapError("elfloader.hexField", errcode.BadELF, err)
	}

	var v uint64
	for _, b := range decoded {
		v = v<<8 | uint64(b)
	}

	return v, nil
}

func trimNulString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}

func align4(n int) int {
	return (n + 3) &^ 3
}
