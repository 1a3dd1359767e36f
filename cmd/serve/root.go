package serve

import (
	cmdUtil "github.com/ValentinKolb/bKV/cmd/util"
	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/ValentinKolb/bKV/rpc/server"
	"github.com/ValentinKolb/bKV/rpc/transport"
	"github.com/ValentinKolb/bKV/rpc/transport/tcp"
	"github.com/ValentinKolb/bKV/rpc/transport/unix"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a bKV node",
		Long:    `Start a bKV node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is BKV_<flag> (e.g. BKV_LOG_LEVEL=debug)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitEnv)

	flags := ServeCmd.PersistentFlags()

	// regions and storage
	key := "regions"
	flags.String(key, "1=lstore[:]", cmdUtil.WrapString("Comma-separated list of regions to serve. Format: ID=TYPE[start:end] where TYPE is lstore (local) or dstore (replicated with raft). An empty end means unbounded, regions must not overlap"))

	key = "engine"
	flags.String(key, "maple", cmdUtil.WrapString("Block storage engine of the regions (maple: in memory, bolt: bbolt file per region in data-dir)"))

	key = "block-size"
	flags.Int(key, 4096, cmdUtil.WrapString("Size of a storage block in bytes"))

	key = "inline-limit"
	flags.Int(key, 0, cmdUtil.WrapString("Values of at most this many bytes are stored inside the tree nodes (0 = default)"))

	key = "node-size"
	flags.Int(key, 0, cmdUtil.WrapString("Byte budget of a B-tree node (0 = default)"))

	key = "deletion-log"
	flags.Int(key, 0, cmdUtil.WrapString("Number of deletions remembered per region for incremental backfills (0 = default)"))

	key = "serializer"
	flags.String(key, "binary", cmdUtil.WrapString("Codec of raft snapshots of replicated regions (binary, msgpack, json, gob)"))

	// raft
	key = "rtt-millisecond"
	flags.Int(key, 100, cmdUtil.WrapString("(dstore) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value*10, HeartbeatRTT=value*1) are derived from this value"))

	key = "snapshot-entries"
	flags.Int(key, 1000, cmdUtil.WrapString("(dstore) SnapshotEntries defines how often the state machine should be snapshotted automatically. It is defined in terms of the number of applied Raft log entries. SnapshotEntries can be set to 0 to disable such automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	flags.Int(key, 500, cmdUtil.WrapString("(dstore) CompactionOverhead defines the number of log entries kept after a snapshot. Recommended value is about 1/2 of SnapshotEntries"))

	key = "data-dir"
	flags.String(key, "data", cmdUtil.WrapString("DataDir is the directory used for raft logs, snapshots and bolt block files"))

	key = "replica-id"
	flags.String(key, "", cmdUtil.WrapString("(dstore) ReplicaID is the unique identifier for this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	flags.String(key, "", cmdUtil.WrapString("(dstore) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	// server
	key = "timeout"
	flags.Int64(key, 5, cmdUtil.WrapString("Timeout of a single command in seconds"))

	key = "transport"
	flags.String(key, "tcp", cmdUtil.WrapString("Transport to listen on (tcp, unix)"))

	key = "endpoint"
	flags.String(key, "0.0.0.0:6379", cmdUtil.WrapString("The address on which the redis interface will listen (e.g. localhost:6379, /tmp/bkv.sock, ...)"))

	key = "executors"
	flags.Int(key, 4, cmdUtil.WrapString("Number of executors driving client connections"))

	key = "workers"
	flags.Int(key, 64, cmdUtil.WrapString("Number of goroutines running commands against the stores"))

	key = "buffer-size"
	flags.Int(key, 16*1024, cmdUtil.WrapString("Read buffer per client connection in bytes"))

	key = "tcp-nodelay"
	flags.Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY on client connections (tcp only)"))

	key = "tcp-keepalive"
	flags.Int(key, 0, cmdUtil.WrapString("The keepalive interval of client connections in seconds (tcp only, 0 = disabled)"))

	key = "tcp-linger"
	flags.Int(key, -1, cmdUtil.WrapString("The linger time of client connections in seconds (tcp only, -1 = system default)"))

	key = "socket-write-buffer"
	flags.Int(key, 0, cmdUtil.WrapString("Kernel write buffer of client connections in KB (0 = system default)"))

	key = "socket-read-buffer"
	flags.Int(key, 0, cmdUtil.WrapString("Kernel read buffer of client connections in KB (0 = system default)"))

	key = "metrics-endpoint"
	flags.String(key, "", cmdUtil.WrapString("Address of the prometheus /metrics endpoint (e.g. localhost:9121), disabled if empty"))

	key = "log-level"
	flags.String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return readConfig(serveCmdConfig)
}

// readConfig fills conf from viper
func readConfig(conf *common.ServerConfig) error {
	regions, err := common.ParseRegions(viper.GetString("regions"))
	if err != nil {
		return err
	}
	conf.Regions = regions

	conf.Storage = common.StorageConf{
		Engine:      viper.GetString("engine"),
		BlockSize:   viper.GetInt("block-size"),
		InlineLimit: viper.GetInt("inline-limit"),
		NodeSize:    viper.GetInt("node-size"),
		DeletionLog: viper.GetInt("deletion-log"),
		Serializer:  viper.GetString("serializer"),
	}
	switch conf.Storage.Engine {
	case "maple", "bolt":
	default:
		return errors.Newf("invalid engine %s (expected maple or bolt)", conf.Storage.Engine)
	}

	conf.Transport = common.TransportConf{
		Type:            viper.GetString("transport"),
		Endpoint:        viper.GetString("endpoint"),
		Executors:       viper.GetInt("executors"),
		Workers:         viper.GetInt("workers"),
		BufferSize:      viper.GetInt("buffer-size"),
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
		WriteBufferSize: viper.GetInt("socket-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("socket-read-buffer") * 1024,
	}

	// read the raft configuration
	conf.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	conf.SnapshotEntries = viper.GetUint64("snapshot-entries")
	conf.CompactionOverhead = viper.GetUint64("compaction-overhead")
	conf.DataDir = viper.GetString("data-dir")
	conf.TimeoutSecond = viper.GetInt64("timeout")
	conf.MetricsEndpoint = viper.GetString("metrics-endpoint")
	conf.LogLevel = viper.GetString("log-level")

	// parse replica id
	if id := viper.GetString("replica-id"); id != "" {
		conf.ReplicaID = cmdUtil.ReplicaID(id)
	} else if conf.HasReplicatedRegion() {
		// error only if cluster mode
		return errors.New("ReplicaId is required for replicated regions")
	}

	// parse cluster members
	if members := viper.GetString("cluster-members"); members != "" {
		if conf.ClusterMembers, err = cmdUtil.ParseClusterMembers(members); err != nil {
			return err
		}
	} else if conf.HasReplicatedRegion() {
		return errors.New("ClusterMembers is required for replicated regions")
	}

	// test if the replica id is in the cluster members (only for cluster mode)
	if _, ok := conf.ClusterMembers[conf.ReplicaID]; !ok && conf.HasReplicatedRegion() {
		return errors.Newf("no address found for replica ID %d in cluster members", conf.ReplicaID)
	}
	return nil
}

// newTransport creates the server transport named in the configuration
func newTransport(conf common.ServerConfig) (transport.IServerTransport, error) {
	switch conf.Transport.Type {
	case "tcp":
		return tcp.NewTCPServerTransport(), nil
	case "unix":
		return unix.NewUnixServerTransport(), nil
	default:
		return nil, errors.Newf("invalid transport %s", conf.Transport.Type)
	}
}

// run starts the bKV node
func run(_ *cobra.Command, _ []string) error {
	t, err := newTransport(*serveCmdConfig)
	if err != nil {
		return err
	}
	return server.NewServer(*serveCmdConfig, t).Serve()
}
