// Package connection 实现了每个传输层的在线状态管理
package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/identity"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/metrics"
)

// Connection 表示一个已认证的客户端连接
type Connection struct {
	ClientID    string
	Identity    identity.Client
	RemoteAddr  string
	ConnectedAt time.Time
}

// Manager 单个传输层的连接管理器
type Manager struct {
	transport   string
	connections sync.Map
}

// NewManager 创建传输层连接管理器
func NewManager(transport string) *Manager {
	metrics.OnlineClients.WithLabelValues(transport).Set(0)
	return &Manager{transport: transport}
}

func (cm *Manager) Transport() string {
	return cm.transport
}

// AddConnection 添加连接, 客户端已在线时返回 false 且不替换原连接
func (cm *Manager) AddConnection(conn *Connection) bool {
	if _, loaded := cm.connections.LoadOrStore(conn.ClientID, conn); loaded {
		logger.WarnF("[%s] Client %s is already online", cm.transport, conn.ClientID)
		return false
	}
	metrics.OnlineClients.WithLabelValues(cm.transport).Inc()
	logger.InfoF("[%s] Client %s connected from %s", cm.transport, conn.ClientID, conn.RemoteAddr)
	return true
}

// RemoveConnection 移除连接, 只有当前登记的正是该连接时才会移除
func (cm *Manager) RemoveConnection(conn *Connection) bool {
	if !cm.connections.CompareAndDelete(conn.ClientID, conn) {
		return false
	}
	metrics.OnlineClients.WithLabelValues(cm.transport).Dec()
	logger.InfoF("[%s] Client %s disconnected", cm.transport, conn.ClientID)
	return true
}

// GetConnection 获取连接
func (cm *Manager) GetConnection(clientID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(clientID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *Manager) IsOnline(clientID string) bool {
	_, ok := cm.connections.Load(clientID)
	return ok
}

func (cm *Manager) Count() int {
	n := 0
	cm.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot 返回当前在线的客户端ID, 按字典序排列
func (cm *Manager) Snapshot() []string {
	ids := make([]string, 0)
	cm.connections.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// HandleCloseReason 记录连接断开的原因
func HandleCloseReason(transport, clientID string, err error) {
	switch {
	case err == nil:
		logger.InfoF("[%s] Client %s close connection", transport, clientID)
	case errors.Is(err, io.EOF), IsNetClosedError(err):
		logger.InfoF("[%s] Client %s connection closed", transport, clientID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Client %s keepalive timeout", transport, clientID)
	default:
		logger.ErrorF("[%s] Client %s connection lost, details: %v", transport, clientID, err)
	}
}
