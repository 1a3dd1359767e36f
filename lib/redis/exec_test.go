package redis

import (
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/bKV/lib/blob"
	"github.com/ValentinKolb/bKV/lib/btree"
	"github.com/ValentinKolb/bKV/lib/db/engines/maple"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

type harness struct {
	env *Env
	ts  uint64
	now time.Time
}

func newHarness(t *testing.T) *harness {
	store := maple.NewMapleDB(&maple.DBOptions{NumShards: 2, BlockSize: 256})
	t.Cleanup(func() { _ = store.Close() })
	h := &harness{now: epoch}
	h.env = &Env{
		Tree:  btree.New[value.Value](store, btree.DefaultOptions()),
		Sizer: value.NewSizer(blob.DefaultOptions()),
		Now:   func() time.Time { return h.now },
	}
	return h
}

func (h *harness) do(t *testing.T, name string, args ...string) Reply {
	t.Helper()
	h.ts++
	reply, err := Execute(h.env, NewCommand(name, args...), h.ts)
	require.NoError(t, err)
	return reply
}

func requireError(t *testing.T, reply Reply, target error) {
	t.Helper()
	e, ok := reply.(ErrorReply)
	require.True(t, ok, "expected error reply, got %#v", reply)
	require.ErrorIs(t, e.Err, target)
}

// putKind stores a non string value directly in the tree
func (h *harness) putKind(t *testing.T, key string, kind value.Kind) {
	h.ts++
	loc, err := h.env.Tree.FindForWrite(h.env.Sizer, h.env.Tree.AcquireSuperblock(btree.AccessWrite), []byte(key), h.ts)
	require.NoError(t, err)
	defer loc.Release()
	v, err := h.env.Sizer.New(loc.Txn, kind, []byte("opaque"))
	require.NoError(t, err)
	loc.Value = v
	require.NoError(t, h.env.Tree.Apply(h.env.Sizer, loc, []byte(key), h.ts))
}

func TestTTLScenario(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, OK, h.do(t, "SET", "k", "v"))
	require.Equal(t, IntegerReply(-1), h.do(t, "TTL", "k"))
	require.Equal(t, IntegerReply(1), h.do(t, "EXPIRE", "k", "100"))
	require.Equal(t, IntegerReply(100), h.do(t, "TTL", "k"))
	require.Equal(t, IntegerReply(1), h.do(t, "PERSIST", "k"))
	require.Equal(t, IntegerReply(-1), h.do(t, "TTL", "k"))
	require.Equal(t, IntegerReply(0), h.do(t, "PERSIST", "k"))
	require.Equal(t, Bulk([]byte("v")), h.do(t, "GET", "k"))
}

func TestTTLNeverDeletes(t *testing.T) {
	h := newHarness(t)

	h.do(t, "SET", "k", "v")
	require.Equal(t, IntegerReply(1), h.do(t, "EXPIREAT", "k", fmt.Sprint(epoch.Unix()+10)))
	require.Equal(t, IntegerReply(10), h.do(t, "TTL", "k"))

	h.now = epoch.Add(time.Minute)
	require.Equal(t, IntegerReply(-1), h.do(t, "TTL", "k"), "expired keys report -1")
	require.Equal(t, IntegerReply(1), h.do(t, "EXISTS", "k"), "and are not deleted")

	require.Equal(t, IntegerReply(-1), h.do(t, "TTL", "absent"))
	require.Equal(t, IntegerReply(0), h.do(t, "EXPIRE", "absent", "10"))
}

func TestCrement(t *testing.T) {
	h := newHarness(t)

	h.do(t, "SET", "n", "41")
	require.Equal(t, IntegerReply(42), h.do(t, "INCR", "n"))
	require.Equal(t, Bulk([]byte("42")), h.do(t, "GET", "n"))
	require.Equal(t, IntegerReply(40), h.do(t, "DECRBY", "n", "2"))
	require.Equal(t, IntegerReply(45), h.do(t, "INCRBY", "n", "5"))
	require.Equal(t, IntegerReply(44), h.do(t, "DECR", "n"))

	require.Equal(t, IntegerReply(1), h.do(t, "INCR", "fresh"), "absent keys count as 0")
	require.Equal(t, IntegerReply(-3), h.do(t, "DECRBY", "other", "3"))

	h.do(t, "SET", "s", "abc")
	requireError(t, h.do(t, "INCR", "s"), ErrNotInteger)
	require.Equal(t, Bulk([]byte("abc")), h.do(t, "GET", "s"), "failed crement leaves the value")

	for _, bad := range []string{"", "+1", "01", " 1", "1.5", "-0"} {
		h.do(t, "SET", "b", bad)
		requireError(t, h.do(t, "INCR", "b"), ErrNotInteger)
	}
	requireError(t, h.do(t, "INCRBY", "n", "x"), ErrNotInteger)

	h.do(t, "SET", "max", "9223372036854775807")
	requireError(t, h.do(t, "INCR", "max"), ErrOverflow)
}

func TestCrementKeepsExpiration(t *testing.T) {
	h := newHarness(t)
	h.do(t, "SET", "n", "1")
	h.do(t, "EXPIRE", "n", "50")
	require.Equal(t, IntegerReply(2), h.do(t, "INCR", "n"))
	require.Equal(t, IntegerReply(50), h.do(t, "TTL", "n"))

	// SET drops it
	h.do(t, "SET", "n", "1")
	require.Equal(t, IntegerReply(-1), h.do(t, "TTL", "n"))
}

func TestDelExistsDuality(t *testing.T) {
	h := newHarness(t)

	h.do(t, "SET", "a", "1")
	h.do(t, "SET", "b", "2")
	h.putKind(t, "c", value.ZSet)
	require.Equal(t, IntegerReply(3), h.do(t, "EXISTS", "a", "b", "c"))

	require.Equal(t, IntegerReply(3), h.do(t, "DEL", "a", "b", "c", "missing", "a"))
	for _, k := range []string{"a", "b", "c"} {
		require.Equal(t, IntegerReply(0), h.do(t, "EXISTS", k))
	}
	require.Equal(t, IntegerReply(0), h.do(t, "DEL", "a"))
	require.Equal(t, 0, h.env.Tree.Store().GetInfo().SizeBytes)
}

func TestDelLargeValueFreesBlocks(t *testing.T) {
	h := newHarness(t)
	big := make([]byte, 10000)
	for i := range big {
		big[i] = 'x'
	}
	h.do(t, "SET", "big", string(big))
	require.Greater(t, h.env.Tree.Store().GetInfo().SizeBytes, 0)
	require.Equal(t, Bulk(big), h.do(t, "GET", "big"))

	require.Equal(t, IntegerReply(1), h.do(t, "DEL", "big"))
	require.Equal(t, 0, h.env.Tree.Store().GetInfo().SizeBytes)
}

func TestWrongTypeIsolation(t *testing.T) {
	h := newHarness(t)
	h.putKind(t, "list", value.List)

	requireError(t, h.do(t, "GET", "list"), ErrWrongType)
	requireError(t, h.do(t, "INCR", "list"), ErrWrongType)
	require.Equal(t, StatusReply("list"), h.do(t, "TYPE", "list"), "no state change")
	require.Equal(t, StatusReply("none"), h.do(t, "TYPE", "nothing"))

	// kind independent commands still work
	require.Equal(t, IntegerReply(1), h.do(t, "EXPIRE", "list", "5"))
	require.Equal(t, IntegerReply(5), h.do(t, "TTL", "list"))
}

func TestKeys(t *testing.T) {
	h := newHarness(t)
	for _, k := range []string{"user:1", "user:2", "user:10", "order:1", "a/b"} {
		h.do(t, "SET", k, "x")
	}

	keys := func(pattern string) []string {
		var out []string
		for _, b := range h.do(t, "KEYS", pattern).(MultiBulkReply) {
			out = append(out, string(b.Value))
		}
		return out
	}
	if diff := cmp.Diff([]string{"user:1", "user:10", "user:2"}, keys("user:*")); diff != "" {
		t.Errorf("KEYS user:* mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"user:1", "user:2"}, keys("user:?"))
	require.Equal(t, []string{"a/b"}, keys("a*"))
	require.Len(t, keys("*"), 5)

	// restricted to the range of the env
	h.env.Start, h.env.End = []byte("u"), []byte("user:2")
	require.Equal(t, []string{"user:1", "user:10"}, keys("*"))
}

func TestTableErrors(t *testing.T) {
	h := newHarness(t)

	requireError(t, h.do(t, "NOPE"), ErrUnknownCommand)
	requireError(t, h.do(t, "GET"), ErrWrongArity)
	requireError(t, h.do(t, "SET", "k"), ErrWrongArity)
	requireError(t, h.do(t, "DEL"), ErrWrongArity)

	for _, cmd := range [][]string{{"MOVE", "k", "1"}, {"RANDOMKEY"}, {"RENAME", "a", "b"}, {"RENAMENX", "a", "b"}} {
		requireError(t, h.do(t, cmd[0], cmd[1:]...), ErrNotImplemented)
	}

	require.Equal(t, OK, h.do(t, "set", "lower", "case"), "names are case insensitive")
}

func TestSpecKeys(t *testing.T) {
	del, _ := Lookup("del")
	require.True(t, del.Write)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, del.Keys(NewCommand("DEL", "a", "b")))

	rename, _ := Lookup("RENAME")
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, rename.Keys(NewCommand("RENAME", "a", "b")))

	keys, _ := Lookup("KEYS")
	require.False(t, keys.Write)
	require.Empty(t, keys.Keys(NewCommand("KEYS", "*")))

	incrby, _ := Lookup("INCRBY")
	require.Equal(t, [][]byte{[]byte("n")}, incrby.Keys(NewCommand("INCRBY", "n", "5")))
}

func TestNormalize(t *testing.T) {
	cmd := Normalize(NewCommand("expire", "k", "30"), epoch)
	require.Equal(t, NewCommand("EXPIREAT", "k", fmt.Sprint(epoch.Unix()+30)), cmd)

	other := NewCommand("SET", "k", "v")
	require.Equal(t, other, Normalize(other, epoch))
	bad := NewCommand("EXPIRE", "k", "soon")
	require.Equal(t, bad, Normalize(bad, epoch))
}

func TestKeyTooLargeIsUserError(t *testing.T) {
	h := newHarness(t)
	key := string(make([]byte, btree.MaxKeySize+1))
	reply := h.do(t, "SET", key, "v")
	requireError(t, reply, btree.ErrKeyTooLarge)
}
