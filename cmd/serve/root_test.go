package serve

import (
	"testing"

	cmdUtil "github.com/ValentinKolb/bKV/cmd/util"
	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withFlags binds the serve flags to a fresh viper and applies overrides
func withFlags(t *testing.T, overrides map[string]interface{}) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	require.NoError(t, viper.BindPFlags(ServeCmd.PersistentFlags()))
	for k, v := range overrides {
		viper.Set(k, v)
	}
}

func TestReadConfigDefaults(t *testing.T) {
	withFlags(t, nil)

	var conf common.ServerConfig
	require.NoError(t, readConfig(&conf))
	require.Len(t, conf.Regions, 1)
	assert.Equal(t, common.RegionTypeLocal, conf.Regions[0].Type)
	assert.Equal(t, "maple", conf.Storage.Engine)
	assert.Equal(t, "tcp", conf.Transport.Type)
	assert.Equal(t, "0.0.0.0:6379", conf.Transport.Endpoint)
	assert.Equal(t, -1, conf.Transport.TCPLingerSec)
	assert.Equal(t, "info", conf.LogLevel)

	tr, err := newTransport(conf)
	require.NoError(t, err)
	assert.NotNil(t, tr)
}

func TestReadConfigReplicated(t *testing.T) {
	withFlags(t, map[string]interface{}{
		"regions":            "1=lstore[:m],2=dstore[m:]",
		"replica-id":         "node-1",
		"cluster-members":    "node-1=localhost:63001,node-2=localhost:63002",
		"socket-read-buffer": 64,
	})

	var conf common.ServerConfig
	require.NoError(t, readConfig(&conf))
	assert.True(t, conf.HasReplicatedRegion())
	assert.Equal(t, cmdUtil.ReplicaID("node-1"), conf.ReplicaID)
	assert.Equal(t, "localhost:63001", conf.ClusterMembers[conf.ReplicaID])
	assert.Equal(t, 64*1024, conf.Transport.ReadBufferSize)
}

func TestReadConfigErrors(t *testing.T) {
	for name, overrides := range map[string]map[string]interface{}{
		"bad regions":     {"regions": "1=btree[:]"},
		"bad engine":      {"engine": "rocksdb"},
		"missing replica": {"regions": "1=dstore[:]"},
		"missing members": {"regions": "1=dstore[:]", "replica-id": "node-1"},
		"unknown replica": {"regions": "1=dstore[:]", "replica-id": "node-3", "cluster-members": "node-1=localhost:63001"},
	} {
		t.Run(name, func(t *testing.T) {
			withFlags(t, overrides)
			var conf common.ServerConfig
			assert.Error(t, readConfig(&conf))
		})
	}

	_, err := newTransport(common.ServerConfig{Transport: common.TransportConf{Type: "http"}})
	assert.Error(t, err)
}
