package phasorstream

import (
	"strings"
)

const _padLength = 16

// padString pads a string to specified length
func padString(s string) string {
	return padTo(s, _padLength)
}

func padTo(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}

// trimName strips the space or NUL padding of a fixed width name
func trimName(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// appendNames appends each name padded to 16 bytes
func appendNames(dst []byte, names ...string) []byte {
	for _, name := range names {
		dst = append(dst, padString(name)...)
	}
	return dst
}

// readNames reads count 16 byte names starting at off
func readNames(buf []byte, off, count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = trimName(buf[off : off+_padLength])
		off += _padLength
	}
	return names
}

func digitalNames(d DigitalDefinition) []string {
	names := make([]string, 16)
	copy(names, d.Names)
	return names
}
