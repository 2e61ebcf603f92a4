package replication

import (
	"fmt"

	"github.com/veloxdb/veloxdb/pkg/veloxtype"
)

// Role identifies a node's position in a replication topology.
type Role string

const (
	RolePrimary Role = "Primary"
	RoleStandby Role = "Standby"
	RoleWitness Role = "Witness"
)

// SyncMode governs whether a primary waits for a given standby's
// acknowledgement before reporting a commit durable to the client.
type SyncMode string

const (
	Sync  SyncMode = "Sync"
	Async SyncMode = "Async"
)

// StandbyHealth is the primary's view of one standby connection.
type StandbyHealth string

const (
	StandbyCaughtUp  StandbyHealth = "CaughtUp"
	StandbyLagging   StandbyHealth = "Lagging"
	StandbyFailing   StandbyHealth = "Failing"
	StandbyDivergent StandbyHealth = "Divergent"
)

// StandbyConfig names one configured standby, its sync policy, and the
// dialable address the primary connects to in order to ship it log
// batches. Address may be empty when the standby always dials in.
type StandbyConfig struct {
	NodeName string
	Address  string
	Sync     SyncMode
}

// ClusterConfig is the Replication configuration block: this node's
// identity and, on a primary, the ordered list of standbys it ships to.
type ClusterConfig struct {
	ThisNodeName                   string
	Standbys                       []StandbyConfig
	PrimaryWorkerCount             int
	StandbyWorkerCount             int
	UseSeparateConnectionPerWorker bool
}

// FrameType discriminates the replication wire frames.
type FrameType uint8

const (
	FrameHello FrameType = iota + 1
	FrameLogBatch
	FrameAck
	FrameHeartbeat
	FrameRoleChange
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "Hello"
	case FrameLogBatch:
		return "LogBatch"
	case FrameAck:
		return "Ack"
	case FrameHeartbeat:
		return "Heartbeat"
	case FrameRoleChange:
		return "RoleChange"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// HelloFrame is sent immediately after connecting, in both directions:
// it carries the sender's identity, current epoch, and replay position.
// LastAppliedCSN is the resume key the primary's backfill streams
// from: unlike the LSN it survives a standby restart, because the
// standby re-derives it from its own recovered WAL (whose local LSNs
// differ from the primary's).
// JoinToken carries the sender's cluster credential; a Primary
// configured with a join token refuses standbys presenting an unknown
// one.
type HelloFrame struct {
	NodeName       string
	Epoch          uint64
	LastAppliedLSN veloxtype.LSN
	LastAppliedCSN veloxtype.CSN
	JoinToken      string `bson:",omitempty"`
}

// BatchedRecord is one committed transaction's log record, tagged with
// the LSN its WAL entry was appended at.
type BatchedRecord struct {
	LSN    veloxtype.LSN
	Record *veloxtype.LogRecord
}

// LogBatchFrame carries one or more contiguous committed records,
// primary to standby.
type LogBatchFrame struct {
	StartLSN veloxtype.LSN
	Records  []BatchedRecord
}

// EndLSN returns the LSN of the last record in the batch.
func (f *LogBatchFrame) EndLSN() veloxtype.LSN {
	if len(f.Records) == 0 {
		return f.StartLSN
	}
	return f.Records[len(f.Records)-1].LSN
}

// AckFrame is sent standby to primary: records have been applied and
// flushed locally through ThroughLSN.
type AckFrame struct {
	ThroughLSN veloxtype.LSN
}

// HeartbeatFrame keeps an idle connection alive and lets each side
// observe the other's progress between batches.
type HeartbeatFrame struct {
	Epoch   uint64
	LastLSN veloxtype.LSN
}

// RoleChangeFrame announces a role transition, e.g. a standby being
// promoted to primary after an operator-triggered failover.
type RoleChangeFrame struct {
	NewRole Role
	Epoch   uint64
}

// Frame is the envelope carried over a replication connection: exactly
// one of the typed fields matching Type is populated.
type Frame struct {
	Type       FrameType
	Hello      *HelloFrame      `bson:",omitempty"`
	LogBatch   *LogBatchFrame   `bson:",omitempty"`
	Ack        *AckFrame        `bson:",omitempty"`
	Heartbeat  *HeartbeatFrame  `bson:",omitempty"`
	RoleChange *RoleChangeFrame `bson:",omitempty"`
}
