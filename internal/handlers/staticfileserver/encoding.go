package staticfileserver

import (
	"io"
	"regexp"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Encoding is a content coding the server can apply to a response body.
type Encoding string

const (
	EncodingIdentity Encoding = ""
	EncodingGzip     Encoding = "gzip"
	EncodingDeflate  Encoding = "deflate"
)

var (
	gzipToken    = regexp.MustCompile(`\bgzip\b`)
	deflateToken = regexp.MustCompile(`\bdeflate\b`)
)

// SelectEncoding picks a coding from an Accept-Encoding value. gzip is tested
// before deflate, so a client offering both gets gzip. q-values are not
// consulted.
func SelectEncoding(acceptEncoding string) Encoding {
	switch {
	case gzipToken.MatchString(acceptEncoding):
		return EncodingGzip
	case deflateToken.MatchString(acceptEncoding):
		return EncodingDeflate
	default:
		return EncodingIdentity
	}
}

// Wrap returns a writer that encodes into w. Close flushes the encoder but
// does not close w. HTTP deflate is the zlib format.
func (e Encoding) Wrap(w io.Writer, level int) (io.WriteCloser, error) {
	switch e {
	case EncodingGzip:
		return gzip.NewWriterLevel(w, level)
	case EncodingDeflate:
		return zlib.NewWriterLevel(w, level)
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
