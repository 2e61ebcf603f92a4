package framework

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/veloxdb/veloxdb/pkg/config"
)

// readyTimeout bounds how long StartPrimary/StartStandby wait for a
// freshly launched process to log that its Execution Endpoint is
// listening, before treating the launch as failed.
const readyTimeout = 15 * time.Second

// clusterJoinToken is the shared replication credential written into
// every harness-generated config, so the scenario tests exercise the
// join-token handshake rather than the open-admission path.
const clusterJoinToken = "e2e-cluster-join-token"

// Cluster drives a topology of real `veloxdb serve` processes: it
// generates each node's veloxdb.json, starts the binary against it,
// and tracks the resulting Nodes for the scenario tests to drive and
// tear down.
type Cluster struct {
	Binary  string
	BaseDir string
	Nodes   []*Node
}

// NewCluster returns a Cluster that will write node data/config under
// baseDir (normally a t.TempDir()) and launch binary (normally
// cmd/veloxdb's built executable, located by the VELOXDB_BINARY env
// var or a bin/veloxdb fallback).
func NewCluster(baseDir string) *Cluster {
	binary := os.Getenv("VELOXDB_BINARY")
	if binary == "" {
		binary = "bin/veloxdb"
	}
	return &Cluster{Binary: binary, BaseDir: baseDir}
}

// allocPort asks the kernel for an unused TCP port by binding to :0
// and immediately releasing it. A race remains in principle; in
// practice the window is too small to matter for a test harness.
func allocPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// StartPrimary writes a config for a Primary node named name with the
// given standby roster, starts it, and waits for its Execution
// Endpoint to report ready.
func (c *Cluster) StartPrimary(name string, standbys []StandbyEntry) (*Node, error) {
	node, err := c.writeNodeConfig(NodeSpec{Name: name, Role: RolePrimary}, standbys, "")
	if err != nil {
		return nil, err
	}
	if err := c.launch(node); err != nil {
		return nil, err
	}
	if err := node.Process.WaitForLog("execution endpoint listening", readyTimeout); err != nil {
		return nil, fmt.Errorf("framework: primary %s: %w\n%s", name, err, node.Process.Logs())
	}
	return node, nil
}

// StartStandby writes a config for a Standby node named name that
// replicates from primaryAddr (the primary's replication-port
// address), starts it, and waits for it to report readiness.
func (c *Cluster) StartStandby(name, primaryAddr string) (*Node, error) {
	node, err := c.writeNodeConfig(NodeSpec{Name: name, Role: RoleStandby}, nil, primaryAddr)
	if err != nil {
		return nil, err
	}
	if err := c.launch(node); err != nil {
		return nil, err
	}
	if err := node.Process.WaitForLog("execution endpoint listening", readyTimeout); err != nil {
		return nil, fmt.Errorf("framework: standby %s: %w\n%s", name, err, node.Process.Logs())
	}
	return node, nil
}

// ReplicationAddr returns the dialable replication-port address of a
// Primary node, the value a Standby's StartStandby call needs.
func (n *Node) ReplicationAddr() string {
	return "127.0.0.1:" + strconv.Itoa(n.Spec.ReplicationPort)
}

func (c *Cluster) writeNodeConfig(spec NodeSpec, standbys []StandbyEntry, primaryAddr string) (*Node, error) {
	endpointPort, err := allocPort()
	if err != nil {
		return nil, fmt.Errorf("framework: allocate endpoint port: %w", err)
	}
	replPort, err := allocPort()
	if err != nil {
		return nil, fmt.Errorf("framework: allocate replication port: %w", err)
	}
	spec.EndpointPort = endpointPort
	spec.ReplicationPort = replPort

	dataDir, err := tempDataDir(c.BaseDir, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("framework: create data dir: %w", err)
	}

	cfg := config.Default()
	cfg.ExecutionEndpoint.Port = endpointPort
	cfg.ExecutionEndpoint.MaxOpenConnCount = 10
	cfg.Database.SystemDatabasePath = dataDir
	cfg.Logging.Path = filepath.Join(dataDir, "veloxdb.log")
	cfg.Replication.ThisNodeName = spec.Name
	cfg.Replication.Port = replPort
	cfg.Replication.PrimaryAddress = primaryAddr
	cfg.Replication.JoinToken = clusterJoinToken
	for _, sb := range standbys {
		cfg.Replication.Standbys = append(cfg.Replication.Standbys, sb)
	}

	blob, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("framework: marshal config: %w", err)
	}
	configPath := filepath.Join(dataDir, "veloxdb.json")
	if err := os.WriteFile(configPath, blob, 0o644); err != nil {
		return nil, fmt.Errorf("framework: write config: %w", err)
	}

	return &Node{Spec: spec, DataDir: dataDir, ConfigPath: configPath}, nil
}

func (c *Cluster) launch(node *Node) error {
	proc := NewProcess(c.Binary)
	proc.Args = []string{"serve", "--config", node.ConfigPath, "--interactive"}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("framework: start %s: %w", node.Spec.Name, err)
	}
	node.Process = proc
	c.Nodes = append(c.Nodes, node)
	return nil
}

// Stop gracefully stops every node, in reverse start order so standbys
// stop before their primary.
func (c *Cluster) Stop() {
	for i := len(c.Nodes) - 1; i >= 0; i-- {
		n := c.Nodes[i]
		n.CloseClient()
		if n.Process != nil {
			_ = n.Process.Stop()
		}
	}
}
