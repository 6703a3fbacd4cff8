package server

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
)

// raftConfig 描述集群模式下本节点的 Raft 参数。
type raftConfig struct {
	ID        string // 节点 ID（唯一）
	Bind      string // 监听地址（host:port）
	DataDir   string // 数据目录
	Bootstrap bool   // 首次引导为 true
	Logger    hclog.Logger
}

// setupRaft 装配 bolt 存储、文件快照与 TCP 传输并启动 Raft。
func setupRaft(cfg raftConfig, fsm hraft.FSM) (*hraft.Raft, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create raft dir")
	}
	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.ID)
	rcfg.Logger = cfg.Logger
	rcfg.SnapshotInterval = 20 * time.Second
	rcfg.SnapshotThreshold = 8192

	// 端口为 0 时由监听器决定实际地址
	var advertise net.Addr
	addr, err := net.ResolveTCPAddr("tcp", cfg.Bind)
	if err != nil {
		return nil, errors.Wrap(err, "resolve raft bind")
	}
	if addr.Port != 0 {
		advertise = addr
	}
	transport, err := hraft.NewTCPTransportWithLogger(cfg.Bind, advertise, 3, 10*time.Second, cfg.Logger.Named("transport"))
	if err != nil {
		return nil, errors.Wrap(err, "raft transport")
	}

	// 存储：BoltDB（稳定+日志），文件快照。
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, errors.Wrap(err, "stable store")
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, errors.Wrap(err, "log store")
	}
	snapStore, err := hraft.NewFileSnapshotStoreWithLogger(cfg.DataDir, 2, cfg.Logger.Named("snapshot"))
	if err != nil {
		return nil, errors.Wrap(err, "snapshot store")
	}

	r, err := hraft.NewRaft(rcfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		return nil, errors.Wrap(err, "start raft")
	}

	if cfg.Bootstrap {
		hasState, err := hraft.HasExistingState(logStore, stableStore, snapStore)
		if err != nil {
			return nil, err
		}
		if !hasState {
			// 单节点引导
			c := hraft.Configuration{Servers: []hraft.Server{{ID: rcfg.LocalID, Address: transport.LocalAddr()}}}
			if err := r.BootstrapCluster(c).Error(); err != nil {
				return nil, errors.Wrap(err, "bootstrap")
			}
		}
	}
	return r, nil
}
