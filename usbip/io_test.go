package usbip

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadExact(t *testing.T) {
	r := bytes.NewReader([]byte("hello world"))
	buf := make([]byte, 5)
	require.NoError(t, ReadExact(r, buf))
	assert.Equal(t, "hello", string(buf))
}

func TestReadExactShortReturnsError(t *testing.T) {
	r := bytes.NewReader([]byte("hi"))
	buf := make([]byte, 5)
	err := ReadExact(r, buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type shortWriter struct {
	writes [][]byte
	max    int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > w.max {
		n = w.max
	}
	w.writes = append(w.writes, append([]byte(nil), p[:n]...))
	return n, nil
}

func TestWriteAllFollowsUpShortWrites(t *testing.T) {
	w := &shortWriter{max: 3}
	require.NoError(t, WriteAll(w, []byte("hello world")))

	var got []byte
	for _, chunk := range w.writes {
		got = append(got, chunk...)
	}
	assert.Equal(t, "hello world", string(got))
}
