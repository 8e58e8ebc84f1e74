// Package codecs provides an explicit registry of named compression codecs
// used when writing and reading namespace image files. Codecs register at
// startup; a codec name read from an image which has no registration is a
// hard error surfaced to the caller.
package codecs

import (
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
)

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// Codec builds Compressors and Decompressors of a named compression scheme.
type Codec interface {
	// Name is the identifier written into image files.
	Name() string
	// NewReader returns a Decompressor of |r|.
	NewReader(r io.Reader) (Decompressor, error)
	// NewWriter returns a Compressor wrapping |w|.
	NewWriter(w io.Writer) (Compressor, error)
}

// Register adds |c| to the registry. It panics if the name is already taken.
func Register(c Codec) {
	if _, ok := registry[c.Name()]; ok {
		panic(fmt.Sprintf("codec %q already registered", c.Name()))
	}
	registry[c.Name()] = c
}

// Lookup returns the Codec registered under |name|.
func Lookup(name string) (Codec, error) {
	var c, ok = registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
	return c, nil
}

var registry = make(map[string]Codec)

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) NewReader(r io.Reader) (Decompressor, error) { return gzip.NewReader(r) }

func (gzipCodec) NewWriter(w io.Writer) (Compressor, error) {
	return gzip.NewWriter(w), nil
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) NewReader(r io.Reader) (Decompressor, error) {
	return nopReadCloser{snappy.NewReader(r)}, nil
}

func (snappyCodec) NewWriter(w io.Writer) (Compressor, error) {
	return snappy.NewBufferedWriter(w), nil
}

type nopReadCloser struct{ io.Reader }

func (nopReadCloser) Close() error { return nil }

func init() {
	Register(gzipCodec{})
	Register(snappyCodec{})
}
