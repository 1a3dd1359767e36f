package redis

import (
	"math"
	"strconv"
	"time"

	"github.com/ValentinKolb/bKV/lib/btree"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/cockroachdb/errors"
)

// Env is the data set a command runs against
type Env struct {
	Tree  *btree.Tree[value.Value]
	Sizer value.Sizer
	Now   func() time.Time

	// key range visible to KEYS, nil End means unbounded
	Start, End []byte
}

type location = btree.Location[value.Value]

// Execute runs cmd. Write commands use ts as the timestamp of every change they make.
// User errors are returned as ErrorReply, err is only set for storage failures.
func Execute(env *Env, cmd Command, ts uint64) (Reply, error) {
	spec, bad := Check(cmd)
	if bad != nil {
		return bad, nil
	}
	reply, err := spec.run(env, cmd.Args, ts)
	if errors.Is(err, btree.ErrKeyTooLarge) {
		return ErrorReply{Err: err}, nil
	}
	return reply, err
}

func (env *Env) now() time.Time {
	if env.Now == nil {
		return time.Now()
	}
	return env.Now()
}

// view runs fn on a read location of key
func (env *Env) view(key []byte, fn func(loc *location) (Reply, error)) (Reply, error) {
	loc, err := env.Tree.FindForRead(env.Sizer, env.Tree.AcquireSuperblock(btree.AccessRead), key)
	if err != nil {
		return nil, err
	}
	defer loc.Release()
	return fn(loc)
}

// update runs fn on a write location of key and applies the location if fn asks for it
func (env *Env) update(key []byte, ts uint64, fn func(loc *location) (Reply, bool, error)) (Reply, error) {
	loc, err := env.Tree.FindForWrite(env.Sizer, env.Tree.AcquireSuperblock(btree.AccessWrite), key, ts)
	if err != nil {
		return nil, err
	}
	defer loc.Release()

	reply, apply, err := fn(loc)
	if err != nil || !apply {
		return reply, err
	}
	if err := env.Tree.Apply(env.Sizer, loc, key, ts); err != nil {
		return nil, err
	}
	return reply, nil
}

// --------------------------------------------------------------------------
// Keyspace Commands
// --------------------------------------------------------------------------

func cmdDel(env *Env, args [][]byte, ts uint64) (Reply, error) {
	var deleted int64
	for _, key := range args {
		_, err := env.update(key, ts, func(loc *location) (Reply, bool, error) {
			if loc.Value == nil {
				return nil, false, nil
			}
			// every kind owns its storage through the content blob
			if err := env.Sizer.Clear(loc.Txn, loc.Value); err != nil {
				return nil, false, err
			}
			loc.Value = nil
			deleted++
			return nil, true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return IntegerReply(deleted), nil
}

func cmdExists(env *Env, args [][]byte, _ uint64) (Reply, error) {
	var found int64
	for _, key := range args {
		_, err := env.view(key, func(loc *location) (Reply, error) {
			if loc.Value != nil {
				found++
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return IntegerReply(found), nil
}

func cmdExpire(env *Env, args [][]byte, ts uint64) (Reply, error) {
	seconds, err := parseInt(args[1])
	if err != nil {
		return ErrorReply{Err: ErrNotInteger}, nil
	}
	if seconds > math.MaxInt64-env.now().Unix() {
		return ErrorReply{Err: ErrNotInteger}, nil
	}
	return expireAt(env, args[0], env.now().Unix()+seconds, ts)
}

func cmdExpireAt(env *Env, args [][]byte, ts uint64) (Reply, error) {
	epoch, err := parseInt(args[1])
	if err != nil {
		return ErrorReply{Err: ErrNotInteger}, nil
	}
	return expireAt(env, args[0], epoch, ts)
}

func expireAt(env *Env, key []byte, epoch int64, ts uint64) (Reply, error) {
	return env.update(key, ts, func(loc *location) (Reply, bool, error) {
		if loc.Value == nil {
			return IntegerReply(0), false, nil
		}
		if err := env.Sizer.SetExpiration(loc.Txn, loc.Value, epoch); err != nil {
			return nil, false, err
		}
		return IntegerReply(1), true, nil
	})
}

func cmdPersist(env *Env, args [][]byte, ts uint64) (Reply, error) {
	return env.update(args[0], ts, func(loc *location) (Reply, bool, error) {
		if loc.Value == nil {
			return IntegerReply(0), false, nil
		}
		voided, err := env.Sizer.VoidExpiration(loc.Txn, loc.Value)
		if err != nil || !voided {
			return IntegerReply(0), false, err
		}
		return IntegerReply(1), true, nil
	})
}

func cmdTTL(env *Env, args [][]byte, _ uint64) (Reply, error) {
	return env.view(args[0], func(loc *location) (Reply, error) {
		if loc.Value == nil {
			return IntegerReply(-1), nil
		}
		epoch, set, err := env.Sizer.Expiration(loc.Txn, loc.Value)
		if err != nil {
			return nil, err
		}
		remaining := epoch - env.now().Unix()
		if !set || remaining <= 0 {
			// expired keys are reported, never deleted
			return IntegerReply(-1), nil
		}
		return IntegerReply(remaining), nil
	})
}

func cmdType(env *Env, args [][]byte, _ uint64) (Reply, error) {
	return env.view(args[0], func(loc *location) (Reply, error) {
		if loc.Value == nil {
			return StatusReply("none"), nil
		}
		return StatusReply(loc.Value.Kind.String()), nil
	})
}

func cmdKeys(env *Env, args [][]byte, _ uint64) (Reply, error) {
	pattern := args[0]
	keys := MultiBulkReply{}
	env.Tree.Scan(env.Tree.AcquireSuperblock(btree.AccessRead), env.Start, env.End,
		func(key []byte, _ *value.Value, _ uint64) bool {
			if Match(pattern, key) {
				keys = append(keys, Bulk(append([]byte(nil), key...)))
			}
			return true
		})
	return keys, nil
}

func notImplemented(*Env, [][]byte, uint64) (Reply, error) {
	return ErrorReply{Err: ErrNotImplemented}, nil
}

// --------------------------------------------------------------------------
// String Commands
// --------------------------------------------------------------------------

func cmdGet(env *Env, args [][]byte, _ uint64) (Reply, error) {
	return env.view(args[0], func(loc *location) (Reply, error) {
		if loc.Value == nil {
			return NullBulk, nil
		}
		if loc.Value.Kind != value.String {
			return ErrorReply{Err: ErrWrongType}, nil
		}
		payload, err := env.Sizer.Payload(loc.Txn, loc.Value)
		if err != nil {
			return nil, err
		}
		return Bulk(payload), nil
	})
}

func cmdSet(env *Env, args [][]byte, ts uint64) (Reply, error) {
	return env.update(args[0], ts, func(loc *location) (Reply, bool, error) {
		if loc.Value == nil {
			loc.Value = &value.Value{}
		}
		// SET replaces any kind and drops the expiration
		err := env.Sizer.Store(loc.Txn, loc.Value, value.Plain{Kind: value.String, Payload: args[1]})
		if err != nil {
			return nil, false, err
		}
		return OK, true, nil
	})
}

func cmdIncr(env *Env, args [][]byte, ts uint64) (Reply, error) {
	return crement(env, args[0], 1, ts)
}

func cmdDecr(env *Env, args [][]byte, ts uint64) (Reply, error) {
	return crement(env, args[0], -1, ts)
}

func cmdIncrBy(env *Env, args [][]byte, ts uint64) (Reply, error) {
	delta, err := parseInt(args[1])
	if err != nil {
		return ErrorReply{Err: ErrNotInteger}, nil
	}
	return crement(env, args[0], delta, ts)
}

func cmdDecrBy(env *Env, args [][]byte, ts uint64) (Reply, error) {
	delta, err := parseInt(args[1])
	if err != nil || delta == math.MinInt64 {
		return ErrorReply{Err: ErrNotInteger}, nil
	}
	return crement(env, args[0], -delta, ts)
}

// crement adds delta to the integer stored at key. An absent key counts as 0.
// The expiration of an existing key is kept.
func crement(env *Env, key []byte, delta int64, ts uint64) (Reply, error) {
	return env.update(key, ts, func(loc *location) (Reply, bool, error) {
		var current int64
		if loc.Value != nil {
			if loc.Value.Kind != value.String {
				return ErrorReply{Err: ErrWrongType}, false, nil
			}
			payload, err := env.Sizer.Payload(loc.Txn, loc.Value)
			if err != nil {
				return nil, false, err
			}
			if current, err = parseInt(payload); err != nil {
				return ErrorReply{Err: ErrNotInteger}, false, nil
			}
		}
		if (delta > 0 && current > math.MaxInt64-delta) || (delta < 0 && current < math.MinInt64-delta) {
			return ErrorReply{Err: ErrOverflow}, false, nil
		}

		next := current + delta
		payload := strconv.AppendInt(nil, next, 10)
		if loc.Value == nil {
			v, err := env.Sizer.New(loc.Txn, value.String, payload)
			if err != nil {
				return nil, false, err
			}
			loc.Value = v
		} else if err := env.Sizer.SetPayload(loc.Txn, loc.Value, payload); err != nil {
			return nil, false, err
		}
		return IntegerReply(next), true, nil
	})
}
