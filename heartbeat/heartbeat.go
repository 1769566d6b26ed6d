package heartbeat

import (
	"errors"
	"strings"
	"time"

	"github.com/vinayprograms/agentfabric/bus"
	"github.com/vinayprograms/agentfabric/codec"
	"github.com/vinayprograms/agentfabric/envelope"
)

var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is followed by the sending node's id.
const SubjectPrefix = "fabric.heartbeat."

const (
	StatusServing  = "serving"
	StatusDraining = "draining"
)

// Heartbeat is one liveness report from a node. It travels as CBOR.
type Heartbeat struct {
	// NodeID matches the node's link id at its sentinel.
	NodeID    string             `json:"node_id"`
	Timestamp time.Time          `json:"timestamp"`
	Status    string             `json:"status"`
	Agents    []envelope.Address `json:"agents,omitempty"`
	// Pending counts envelopes the node is still waiting to have acked.
	Pending  int               `json:"pending"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *Heartbeat) Marshal() ([]byte, error) {
	return codec.MarshalCBOR(h)
}

func Unmarshal(data []byte) (*Heartbeat, error) {
	h := new(Heartbeat)
	if err := codec.UnmarshalCBOR(data, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Heartbeat) Subject() string {
	return SubjectPrefix + h.NodeID
}

// nodeFromSubject recovers the node id of a heartbeat that omitted it.
func nodeFromSubject(subject string) string {
	id, _ := strings.CutPrefix(subject, SubjectPrefix)
	if id == subject {
		return ""
	}
	return id
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	Bus bus.MessageBus

	// NodeID must be a single subject token.
	NodeID string

	// Interval between beats. Default: 5s
	Interval time.Duration

	// Pending reports the delivery backlog at send time. Optional.
	Pending func() int
}

func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.NodeID == "" || strings.ContainsAny(c.NodeID, ".*>") {
		return ErrInvalidConfig
	}
	if bus.ValidateSubject(SubjectPrefix+c.NodeID) != nil {
		return ErrInvalidConfig
	}
	return nil
}

const defaultInterval = 5 * time.Second

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Bus bus.MessageBus

	// Timeout after which a silent node is reported dead. Use two to three
	// sender intervals. Default: 15s
	Timeout time.Duration

	// CheckInterval between dead-node sweeps. Default: 1s
	CheckInterval time.Duration
}

func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns the default timeouts without a bus.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
	}
}
