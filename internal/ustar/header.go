package ustar

import "fmt"

// USTAR header field offsets (POSIX-1988), all within a single 512-byte
// block. Only the fields FastCopy's framer needs to set are named; the
// rest of the block starts zeroed.
const (
	offName     = 0
	lenName     = 100
	offMode     = 100
	lenMode     = 8
	offUID      = 108
	lenUID      = 8
	offGID      = 116
	lenGID      = 8
	offSize     = 124
	lenSize     = 12
	offMtime    = 136
	lenMtime    = 12
	offChecksum = 148
	lenChecksum = 8
	offTypeflag = 156
	offMagic    = 257
	lenMagic    = 6
	offVersion  = 263
	lenVersion  = 2
)

const (
	typeflagRegular = '0'
	magic           = "ustar\x00"
	version         = "00"
	defaultMode     = 0644
)

// buildHeader produces a complete, checksummed 512-byte USTAR header for a
// single regular file entry.
func buildHeader(name string, size int64, mtime int64) ([]byte, error) {
	h := make([]byte, blockSize)

	n := []byte(name)
	if len(n) > lenName {
		n = n[:lenName] // spec: name truncated to 100 bytes
	}
	copy(h[offName:offName+lenName], n)

	writeOctalField(h[offMode:offMode+lenMode], defaultMode, lenMode)
	writeOctalField(h[offUID:offUID+lenUID], 0, lenUID)
	writeOctalField(h[offGID:offGID+lenGID], 0, lenGID)

	if err := writeOctal11(h[offSize:offSize+lenSize], size); err != nil {
		return nil, fmt.Errorf("ustar: size field: %w", err)
	}
	if err := writeOctal11(h[offMtime:offMtime+lenMtime], mtime); err != nil {
		return nil, fmt.Errorf("ustar: mtime field: %w", err)
	}

	h[offTypeflag] = typeflagRegular
	copy(h[offMagic:offMagic+lenMagic], magic)
	copy(h[offVersion:offVersion+lenVersion], version)

	// Checksum is computed with the checksum field treated as eight
	// spaces, then written back as 6 octal digits + NUL + space.
	for i := 0; i < lenChecksum; i++ {
		h[offChecksum+i] = ' '
	}
	sum := 0
	for _, b := range h {
		sum += int(b)
	}
	writeChecksumField(h[offChecksum:offChecksum+lenChecksum], sum)

	return h, nil
}

// writeOctalField writes v as a NUL-terminated octal string, left-padded
// with zeros to fill width-1 digits (mode/uid/gid are conventionally 7
// digits + NUL within an 8-byte field).
func writeOctalField(dst []byte, v int64, width int) {
	digits := width - 1
	s := fmt.Sprintf("%0*o", digits, v)
	copy(dst, s)
	dst[width-1] = 0
}

// writeOctal11 writes v as an 11-digit octal string followed by a NUL,
// the layout spec §2/§4.5 mandates for the size and mtime fields.
func writeOctal11(dst []byte, v int64) error {
	if v < 0 {
		return fmt.Errorf("negative value %d", v)
	}
	s := fmt.Sprintf("%011o", v)
	if len(s) > 11 {
		return fmt.Errorf("value %d overflows 11 octal digits", v)
	}
	copy(dst, s)
	dst[11] = 0
	return nil
}

// writeChecksumField writes sum as 6 octal digits, a NUL, then a space —
// the exact layout spec §4.5 mandates.
func writeChecksumField(dst []byte, sum int) {
	s := fmt.Sprintf("%06o", sum)
	copy(dst, s)
	dst[6] = 0
	dst[7] = ' '
}
