package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig(shardId uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardId,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 1
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Region configuration
// --------------------------------------------------------------------------

type RegionType string

const (
	RegionTypeLocal      RegionType = "lstore" // region owned by this node only
	RegionTypeReplicated RegionType = "dstore" // region replicated by a raft shard
)

// RegionConf describes one region served by the node
type RegionConf struct {
	// ShardID identifies the region, it is the raft shard id of replicated regions
	ShardID uint64
	Type    RegionType
	Region  store.Region
}

func (r RegionConf) String() string {
	return fmt.Sprintf("%d=%s[%s:%s]", r.ShardID, r.Type, r.Region.Start, r.Region.End)
}

// ParseRegions parses a comma separated list of regions in the form ID=TYPE[start:end].
// An empty start or end is unbounded, e.g. "1=lstore[:m],2=dstore[m:]".
func ParseRegions(spec string) ([]RegionConf, error) {
	var out []RegionConf
	seen := map[uint64]bool{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, rest, ok := strings.Cut(part, "=")
		if !ok {
			return nil, errors.Newf("region %q: missing '='", part)
		}
		shardID, err := strconv.ParseUint(id, 10, 64)
		if err != nil || shardID == 0 {
			return nil, errors.Newf("region %q: invalid id %q", part, id)
		}
		if seen[shardID] {
			return nil, errors.Newf("region %q: duplicate id %d", part, shardID)
		}
		seen[shardID] = true

		open := strings.IndexByte(rest, '[')
		if open < 0 || !strings.HasSuffix(rest, "]") {
			return nil, errors.Newf("region %q: expected TYPE[start:end]", part)
		}
		typ := RegionType(rest[:open])
		if typ != RegionTypeLocal && typ != RegionTypeReplicated {
			return nil, errors.Newf("region %q: unknown type %q", part, typ)
		}
		start, end, ok := strings.Cut(rest[open+1:len(rest)-1], ":")
		if !ok {
			return nil, errors.Newf("region %q: missing ':' between start and end", part)
		}

		r := store.Region{Start: []byte(start)}
		if end != "" {
			r.End = []byte(end)
		}
		if r.Empty() {
			return nil, errors.Newf("region %q: empty key range", part)
		}
		out = append(out, RegionConf{ShardID: shardID, Type: typ, Region: r})
	}
	if len(out) == 0 {
		return nil, errors.New("no regions configured")
	}
	return out, nil
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// StorageConf configures the region stores
type StorageConf struct {
	Engine      string // maple or bolt
	BlockSize   int
	InlineLimit int
	NodeSize    int
	DeletionLog int
	Serializer  string // codec of raft snapshots
}

// TransportConf configures the RESP listener
type TransportConf struct {
	Type       string // tcp or unix
	Endpoint   string
	Executors  int // number of connection executors
	Workers    int // number of goroutines executing commands
	BufferSize int // read buffer per connection

	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int
}

// ServerConfig holds all configuration parameters of a node.
type ServerConfig struct {
	Regions   []RegionConf
	Storage   StorageConf
	Transport TransportConf

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// request timeout
	TimeoutSecond int64

	// prometheus endpoint, disabled if empty
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// HasReplicatedRegion checks if the configuration contains any replicated regions
func (c *ServerConfig) HasReplicatedRegion() bool {
	for _, r := range c.Regions {
		if r.Type == RegionTypeReplicated {
			return true
		}
	}
	return false
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RESP settings
	addSection("RESP Server")
	addField("Transport", c.Transport.Type)
	addField("Endpoint", c.Transport.Endpoint)
	addField("Executors", strconv.Itoa(c.Transport.Executors))
	addField("Workers", strconv.Itoa(c.Transport.Workers))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	if c.MetricsEndpoint != "" {
		addField("Metrics", c.MetricsEndpoint)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Storage
	addSection("Storage")
	addField("Engine", c.Storage.Engine)
	addField("Block Size", fmt.Sprintf("%d bytes", c.Storage.BlockSize))
	addField("Inline Limit", fmt.Sprintf("%d bytes", c.Storage.InlineLimit))
	addField("Node Size", fmt.Sprintf("%d bytes", c.Storage.NodeSize))
	addField("Deletion Log", strconv.Itoa(c.Storage.DeletionLog))
	if c.Storage.Engine == "bolt" || c.HasReplicatedRegion() {
		addField("Data Directory", c.DataDir)
	}

	// Regions
	addSection("Regions")
	for _, r := range c.Regions {
		addField(strconv.FormatUint(r.ShardID, 10), fmt.Sprintf("%s %s", r.Type, r.Region))
	}

	if c.HasReplicatedRegion() {
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))
		addField("Snapshot Codec", c.Storage.Serializer)

		// Cluster configuration
		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}
