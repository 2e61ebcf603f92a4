package framework

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/veloxdb/veloxdb/pkg/config"
)

// StandbyEntry aliases config.StandbyEntry so callers building a
// topology (see Cluster.StartPrimary) don't need to import pkg/config
// themselves just to name a standby roster entry.
type StandbyEntry = config.StandbyEntry

// NodeRole distinguishes the two roles a harness-managed node can be
// configured into, mirroring pkg/replication's RolePrimary/RoleStandby.
type NodeRole int

const (
	RolePrimary NodeRole = iota
	RoleStandby
)

// SyncMode mirrors pkg/replication.SyncMode's wire values as written
// into a generated veloxdb.json's Replication.Standbys entries.
type SyncMode string

const (
	SyncModeSync  SyncMode = "Sync"
	SyncModeAsync SyncMode = "Async"
)

// NodeSpec describes one node of a topology before it is started: the
// ports it should bind, its role, and (for a standby) the sync mode
// its primary should hold it to.
type NodeSpec struct {
	Name            string
	EndpointPort    int
	ReplicationPort int
	Role            NodeRole
	Sync            SyncMode
}

// Node is one running veloxdb serve process plus the config file and
// data directory it was started with.
type Node struct {
	Spec       NodeSpec
	DataDir    string
	ConfigPath string
	Process    *Process

	mu     sync.Mutex
	client *Client
}

// EndpointAddr returns the node's Execution Endpoint dial address.
func (n *Node) EndpointAddr() string {
	return "127.0.0.1:" + strconv.Itoa(n.Spec.EndpointPort)
}

// Client lazily dials and caches a wire-protocol connection to this
// node's Execution Endpoint. Callers that need a fresh, independent
// connection (e.g. to test admission control) should call Dial
// directly instead.
func (n *Node) Client() (*Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil {
		return n.client, nil
	}
	c, err := Dial(n.EndpointAddr(), nil)
	if err != nil {
		return nil, err
	}
	n.client = c
	return c, nil
}

// CloseClient closes and forgets any cached client connection, without
// touching the node process itself.
func (n *Node) CloseClient() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil {
		_ = n.client.Close()
		n.client = nil
	}
}

// tempDataDir creates a fresh per-node data directory under base,
// matching the layout cmd/veloxdb/serve.go expects under
// Database.SystemDatabasePath (it creates wal/, snapshots/, and schema/
// itself on first Start).
func tempDataDir(base, name string) (string, error) {
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
