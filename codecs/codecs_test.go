package codecs

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupUnknownCodec(t *testing.T) {
	var _, err = Lookup("not-a-codec")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not-a-codec")
}

func TestRegisteredCodecsRoundTrip(t *testing.T) {
	var fixture = bytes.Repeat([]byte("the quick brown fox "), 1024)

	for _, name := range []string{"gzip", "snappy", "zstd"} {
		t.Run(name, func(t *testing.T) {
			var codec, err = Lookup(name)
			require.NoError(t, err)
			require.Equal(t, name, codec.Name())

			var buf bytes.Buffer
			var w Compressor
			w, err = codec.NewWriter(&buf)
			require.NoError(t, err)
			_, err = w.Write(fixture)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			var r Decompressor
			r, err = codec.NewReader(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)
			var out []byte
			out, err = io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			require.Equal(t, fixture, out)
		})
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	require.Panics(t, func() { Register(gzipCodec{}) })
}
