package staticfileserver

import (
	"fmt"
	"regexp"
	"strconv"
)

var rangePattern = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// ResolveRange computes the span to send for a Range header value.
//
// With no header the whole file is sent: [0, size-1], or [0, 0] when the file
// is empty. Any non-empty header marks the response partial. Within
// "bytes=<start>-<end>" an empty start or end keeps the default; a given end
// is taken as exclusive, so the span ends at end-1, clamped to [start, size-1].
// A header that does not match, or whose start lies past the last byte, keeps
// the default span.
func ResolveRange(rangeHeader string, size int64) RangeSpec {
	spec := RangeSpec{Start: 0, EndInclusive: 0}
	if size > 0 {
		spec.EndInclusive = size - 1
	}
	if rangeHeader == "" {
		return spec
	}
	spec.Partial = true

	m := rangePattern.FindStringSubmatch(rangeHeader)
	if m == nil {
		return spec
	}
	start, end := spec.Start, spec.EndInclusive
	if m[1] != "" {
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return spec
		}
		start = v
	}
	if m[2] != "" {
		v, err := strconv.ParseInt(m[2], 10, 64)
		if err == nil {
			end = v - 1
		}
	}
	if size == 0 || start > spec.EndInclusive {
		return spec
	}
	if end < start {
		end = start
	}
	if end > spec.EndInclusive {
		end = spec.EndInclusive
	}
	spec.Start, spec.EndInclusive = start, end
	return spec
}

// ContentRange formats the Content-Range value for the span.
func (r RangeSpec) ContentRange(size int64) string {
	if size == 0 {
		return "bytes */0"
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.EndInclusive, size)
}
