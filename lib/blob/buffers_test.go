package blob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferGroup(t *testing.T) {
	a, b, c := make([]byte, 2), make([]byte, 3), make([]byte, 4)
	g := NewBufferGroup(a, nil, b, c)
	require.Equal(t, 9, g.Len())
	require.Len(t, g.Buffers(), 3, "empty buffers are skipped")

	require.Equal(t, 7, g.CopyFrom([]byte("abcdefg")))
	require.Equal(t, []byte("ab"), a)
	require.Equal(t, []byte("cde"), b)
	require.Equal(t, []byte("fg\x00\x00"), c)

	out := make([]byte, 4)
	require.Equal(t, 4, g.CopyTo(out))
	require.Equal(t, []byte("abcd"), out)
	require.Equal(t, []byte("abcdefg\x00\x00"), g.Bytes())

	g.Reset()
	require.Equal(t, 0, g.Len())
}

func TestBufferGroupCopyInto(t *testing.T) {
	src := NewBufferGroup([]byte("hel"), []byte("lo w"), []byte("orld"))
	x, y := make([]byte, 5), make([]byte, 6)
	dst := NewBufferGroup(x, y)

	require.Equal(t, 11, dst.copyInto(src))
	require.Equal(t, "hello", string(x))
	require.Equal(t, " world", string(y))
}

func TestCapacity(t *testing.T) {
	require.Equal(t, int64(64), capacity(64, 0))
	require.Equal(t, int64(512), capacity(64, 1))
	require.Equal(t, int64(4096), capacity(64, 2))
	require.Equal(t, int64(1), span(64, 1))
	require.Equal(t, int64(8), span(64, 2))
}
