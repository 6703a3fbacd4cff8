package raft

import (
	"context"
	"sync"
	"time"

	hraft "github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Node 抽象写路径的复制层：Apply 提交一条命令并返回 FSM 对它的响应。
// 单节点（无数据目录）使用本地实现，集群使用 hashicorp/raft。
type Node interface {
	Apply(ctx context.Context, cmd []byte) ([]byte, error)
	IsLeader() bool
	Leader() string
	LastContact() time.Duration
	LeaderCh() <-chan bool
	Join(id, addr string) error
	Shutdown() error
}

// DefaultApplyTimeout 是 ctx 无截止时间时提交命令的超时。
const DefaultApplyTimeout = 5 * time.Second

var (
	ErrNotStarted = errors.New("raft node not started")
	ErrStandalone = errors.New("standalone node cannot accept members")
	ErrNotLeader  = errors.New("node is not the leader")
)

// localNode 为单节点实现：立即在本地 FSM 上应用，索引自增。
type localNode struct {
	fsm      hraft.FSM
	addr     string
	mu       sync.Mutex
	index    uint64
	alive    *atomic.Bool
	leaderCh chan bool
}

// NewLocalNode 创建单节点；addr 只用于 Leader() 的展示。
func NewLocalNode(fsm hraft.FSM, addr string) Node {
	ch := make(chan bool, 1)
	ch <- true
	return &localNode{fsm: fsm, addr: addr, alive: atomic.NewBool(true), leaderCh: ch}
}

func (l *localNode) Apply(ctx context.Context, cmd []byte) ([]byte, error) {
	if !l.alive.Load() {
		return nil, ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index++
	resp := l.fsm.Apply(&hraft.Log{Index: l.index, Term: 1, Type: hraft.LogCommand, Data: cmd})
	return responseBytes(resp)
}

func (l *localNode) IsLeader() bool             { return l.alive.Load() }
func (l *localNode) Leader() string             { return l.addr }
func (l *localNode) LastContact() time.Duration { return 0 }
func (l *localNode) LeaderCh() <-chan bool      { return l.leaderCh }
func (l *localNode) Join(id, addr string) error { return ErrStandalone }

func (l *localNode) Shutdown() error {
	l.alive.Store(false)
	return nil
}

// clusterNode 把 *hraft.Raft 适配为 Node。
type clusterNode struct {
	r *hraft.Raft
}

// Wrap 把已启动的 hashicorp/raft 实例适配为 Node。
func Wrap(r *hraft.Raft) Node {
	return &clusterNode{r: r}
}

func (c *clusterNode) Apply(ctx context.Context, cmd []byte) ([]byte, error) {
	timeout := DefaultApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	future := c.r.Apply(cmd, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) {
			return nil, ErrNotLeader
		}
		return nil, errors.Wrap(err, "raft apply")
	}
	return responseBytes(future.Response())
}

func (c *clusterNode) IsLeader() bool { return c.r.State() == hraft.Leader }

func (c *clusterNode) Leader() string {
	addr, _ := c.r.LeaderWithID()
	return string(addr)
}

func (c *clusterNode) LastContact() time.Duration {
	if c.IsLeader() {
		return 0
	}
	last := c.r.LastContact()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

func (c *clusterNode) LeaderCh() <-chan bool { return c.r.LeaderCh() }

// Join 接受新节点加入（只允许在 Leader 上调用）；已存在则忽略。
func (c *clusterNode) Join(id, addr string) error {
	cfgFuture := c.r.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	for _, s := range cfgFuture.Configuration().Servers {
		if s.ID == hraft.ServerID(id) || s.Address == hraft.ServerAddress(addr) {
			return nil
		}
	}
	return c.r.AddVoter(hraft.ServerID(id), hraft.ServerAddress(addr), 0, 0).Error()
}

func (c *clusterNode) Shutdown() error {
	return c.r.Shutdown().Error()
}

func responseBytes(resp interface{}) ([]byte, error) {
	data, ok := resp.([]byte)
	if !ok {
		return nil, errors.Errorf("invalid response type %T from fsm", resp)
	}
	return data, nil
}
