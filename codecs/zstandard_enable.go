//go:build !nozstd

package codecs

import (
	"io"

	"github.com/DataDog/zstd"
)

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) NewReader(r io.Reader) (Decompressor, error) { return zstd.NewReader(r), nil }

func (zstdCodec) NewWriter(w io.Writer) (Compressor, error) { return zstd.NewWriter(w), nil }

func init() { Register(zstdCodec{}) }
