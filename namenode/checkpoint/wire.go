package checkpoint

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Wire primitives of the image format. All integers are big-endian and
// fixed-width; strings are a u16 length followed by UTF-8 bytes.

func writeInt16(w io.Writer, v int16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	var _, err = w.Write(b[:])
	return err
}

func writeInt32(w io.Writer, v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	var _, err = w.Write(b[:])
	return err
}

func writeInt64(w io.Writer, v int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	var _, err = w.Write(b[:])
	return err
}

func writeBool(w io.Writer, v bool) error {
	var b [1]byte
	if v {
		b[0] = 1
	}
	var _, err = w.Write(b[:])
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > math.MaxUint16 {
		return errors.Errorf("byte string of length %d overflows u16 framing", len(b))
	}
	if err := writeInt16(w, int16(uint16(len(b)))); err != nil {
		return err
	}
	var _, err = w.Write(b)
	return err
}

func writeString(w io.Writer, s string) error { return writeBytes(w, []byte(s)) }

func readInt16(r io.Reader) (int16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b[:])), nil
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func readInt64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func readLenBytes(r io.Reader) ([]byte, error) {
	var n, err = readUint16(r)
	if err != nil {
		return nil, err
	}
	var b = make([]byte, n)
	if _, err = io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r io.Reader) (string, error) {
	var b, err = readLenBytes(r)
	return string(b), err
}
