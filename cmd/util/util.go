package util

import (
	"strings"

	"github.com/ValentinKolb/bKV/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by bKV
	EnvPrefix = "bkv"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitEnv loads .env files and makes viper read BKV_* environment variables
func InitEnv() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// ReplicaID maps a human readable node name (e.g. 'node-1') to a raft replica id
func ReplicaID(name string) uint64 {
	return uint64(util.HashString(name, 0))
}

// ParseClusterMembers parses 'node-1=localhost:63001,node-2=localhost:63002' into a map
// of replica ids to raft addresses
func ParseClusterMembers(spec string) (map[uint64]string, error) {
	members := make(map[uint64]string)
	for _, member := range strings.Split(spec, ",") {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		name, addr, ok := strings.Cut(member, "=")
		if !ok || name == "" || addr == "" {
			return nil, errors.Newf("invalid cluster member format: %s (expected ID=address)", member)
		}
		id := ReplicaID(name)
		if _, dup := members[id]; dup {
			return nil, errors.Newf("cluster member %s is listed twice", name)
		}
		members[id] = addr
	}
	return members, nil
}
