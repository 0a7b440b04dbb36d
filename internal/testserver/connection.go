package testserver

import (
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded push connection held by the fake server.
type Connection struct {
	ID     string
	Path   string
	UserID string // empty on unauthenticated /ws/ paths
	Conn   net.Conn

	writeMu sync.Mutex // serializes writes to this connection
}

// WriteMessage sends a text frame to the client.
func (c *Connection) WriteMessage(data []byte) error {
	return c.write(ws.OpText, data)
}

// WriteClose sends a normal-closure frame.
func (c *Connection) WriteClose() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
}

// ReadMessage returns the next data frame from the client. Pings are answered
// under the write lock so pongs never interleave with pushes.
func (c *Connection) ReadMessage() ([]byte, ws.OpCode, error) {
	rd := &wsutil.Reader{Source: c.Conn, State: ws.StateServerSide, CheckUTF8: true}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		if hdr.OpCode.IsControl() {
			payload := make([]byte, hdr.Length)
			if _, err := io.ReadFull(rd, payload); err != nil {
				return nil, 0, err
			}
			switch hdr.OpCode {
			case ws.OpPing:
				if err := c.write(ws.OpPong, payload); err != nil {
					return nil, 0, err
				}
			case ws.OpClose:
				code, reason := ws.ParseCloseFrameData(payload)
				return nil, 0, wsutil.ClosedError{Code: code, Reason: reason}
			}
			continue
		}
		data, err := io.ReadAll(rd)
		return data, hdr.OpCode, err
	}
}

func (c *Connection) write(op ws.OpCode, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, op, p)
}

// ConnectionManager is a thread-safe registry of live connections indexed by
// connection id and by resource path.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byPath map[string]map[string]*Connection
	dials  map[string]int
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byPath: make(map[string]map[string]*Connection),
		dials:  make(map[string]int),
	}
}

// Add registers a connection and counts the dial against its path.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
	if cm.byPath[conn.Path] == nil {
		cm.byPath[conn.Path] = make(map[string]*Connection)
	}
	cm.byPath[conn.Path][conn.ID] = conn
	cm.dials[conn.Path]++
}

// Remove unregisters a connection and closes it. It reports whether the
// connection was still registered.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byPath[conn.Path], id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Conn.Close()
	}
	return ok
}

// OnPath returns a snapshot of the connections subscribed to path.
func (cm *ConnectionManager) OnPath(path string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byPath[path]))
	for _, c := range cm.byPath[path] {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of live connections on path.
func (cm *ConnectionManager) Count(path string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byPath[path])
}

// Dials returns how many connections path has accepted in total.
func (cm *ConnectionManager) Dials(path string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.dials[path]
}

// All returns a snapshot of every live connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	return conns
}
