package redis

import (
	"strconv"
	"strings"
	"time"
)

// Command is one client request. Name is matched case insensitively, Args excludes the name.
type Command struct {
	Name string   `json:"name" msgpack:"name"`
	Args [][]byte `json:"args" msgpack:"args"`
}

// NewCommand builds a command from string arguments
func NewCommand(name string, args ...string) Command {
	cmd := Command{Name: name, Args: make([][]byte, len(args))}
	for i, a := range args {
		cmd.Args[i] = []byte(a)
	}
	return cmd
}

func (c Command) String() string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(c.Name))
	for _, a := range c.Args {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Quote(string(a)))
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Command Table
// --------------------------------------------------------------------------

type handler func(env *Env, args [][]byte, ts uint64) (Reply, error)

// Spec describes a command
type Spec struct {
	Name  string
	Arity int  // > 0: exact number of words including the name, < 0: at least -Arity words
	Write bool // modifies the data set
	// key positions in the word list (the name is word 0), LastKey < 0 counts from the end
	FirstKey, LastKey, KeyStep int

	run handler
}

var table map[string]*Spec

func init() {
	specs := []*Spec{
		{Name: "DEL", Arity: -2, Write: true, FirstKey: 1, LastKey: -1, KeyStep: 1, run: cmdDel},
		{Name: "EXISTS", Arity: -2, FirstKey: 1, LastKey: -1, KeyStep: 1, run: cmdExists},
		{Name: "EXPIRE", Arity: 3, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdExpire},
		{Name: "EXPIREAT", Arity: 3, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdExpireAt},
		{Name: "KEYS", Arity: 2, run: cmdKeys},
		{Name: "MOVE", Arity: 3, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: notImplemented},
		{Name: "PERSIST", Arity: 2, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdPersist},
		{Name: "RANDOMKEY", Arity: 1, run: notImplemented},
		{Name: "RENAME", Arity: 3, Write: true, FirstKey: 1, LastKey: 2, KeyStep: 1, run: notImplemented},
		{Name: "RENAMENX", Arity: 3, Write: true, FirstKey: 1, LastKey: 2, KeyStep: 1, run: notImplemented},
		{Name: "TTL", Arity: 2, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdTTL},
		{Name: "TYPE", Arity: 2, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdType},
		{Name: "INCR", Arity: 2, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdIncr},
		{Name: "DECR", Arity: 2, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdDecr},
		{Name: "INCRBY", Arity: 3, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdIncrBy},
		{Name: "DECRBY", Arity: 3, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdDecrBy},
		{Name: "GET", Arity: 2, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdGet},
		{Name: "SET", Arity: 3, Write: true, FirstKey: 1, LastKey: 1, KeyStep: 1, run: cmdSet},
	}
	table = make(map[string]*Spec, len(specs))
	for _, s := range specs {
		table[s.Name] = s
	}
}

// Lookup returns the spec of a command name
func Lookup(name string) (*Spec, bool) {
	s, ok := table[strings.ToUpper(name)]
	return s, ok
}

// Specs returns all known command specs
func Specs() []*Spec {
	out := make([]*Spec, 0, len(table))
	for _, s := range table {
		out = append(out, s)
	}
	return out
}

// CheckArity validates the number of arguments of cmd against the spec
func (s *Spec) CheckArity(cmd Command) bool {
	words := len(cmd.Args) + 1
	if s.Arity > 0 {
		return words == s.Arity
	}
	return words >= -s.Arity
}

// Check resolves the spec of cmd. If the command is unknown or has the wrong number of
// arguments, the error reply to send back is returned instead.
func Check(cmd Command) (*Spec, Reply) {
	spec, ok := Lookup(cmd.Name)
	if !ok {
		return nil, errorf(ErrUnknownCommand, "'%s'", cmd.Name)
	}
	if !spec.CheckArity(cmd) {
		return nil, errorf(ErrWrongArity, "for '%s' command", strings.ToLower(spec.Name))
	}
	return spec, nil
}

// Keys returns the key arguments of cmd. The arity must have been checked.
func (s *Spec) Keys(cmd Command) [][]byte {
	if s.FirstKey == 0 {
		return nil
	}
	last := s.LastKey
	if last < 0 {
		last = len(cmd.Args) + 1 + last
	}
	var keys [][]byte
	for i := s.FirstKey; i <= last && i-1 < len(cmd.Args); i += s.KeyStep {
		keys = append(keys, cmd.Args[i-1])
	}
	return keys
}

// Normalize rewrites clock dependent write commands into their absolute form so that
// replicas applying the command at different times end in the same state.
func Normalize(cmd Command, now time.Time) Command {
	spec, ok := Lookup(cmd.Name)
	if !ok || spec.Name != "EXPIRE" || len(cmd.Args) != 2 {
		return cmd
	}
	seconds, err := parseInt(cmd.Args[1])
	if err != nil {
		return cmd
	}
	return Command{
		Name: "EXPIREAT",
		Args: [][]byte{cmd.Args[0], strconv.AppendInt(nil, now.Unix()+seconds, 10)},
	}
}

// parseInt parses a decimal integer the strict way Redis does: no sign prefix, no
// leading zeros, no surrounding spaces.
func parseInt(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 20 || b[0] == '+' {
		return 0, ErrNotInteger
	}
	digits := b
	if b[0] == '-' {
		digits = b[1:]
	}
	if len(digits) == 0 || (digits[0] == '0' && len(b) > 1) {
		return 0, ErrNotInteger
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return v, nil
}
