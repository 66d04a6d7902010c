// Package ids implements the platform's 64-bit ID allocator: 41 bits of
// milliseconds since a fixed epoch, 10 bits of node ID, 5 bits of type
// ID, and 8 bits of per-millisecond sequence.
package ids

import (
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	epochMillis = int64(1672531200000) // 2023-01-01T00:00:00Z

	timestampBits = 41
	nodeBits      = 10
	typeBits      = 5
	sequenceBits  = 8

	maxNodeID     = (1 << nodeBits) - 1
	maxTypeID     = (1 << typeBits) - 1
	maxSequence   = (1 << sequenceBits) - 1

	typeShift      = sequenceBits
	nodeShift      = sequenceBits + typeBits
	timestampShift = sequenceBits + typeBits + nodeBits
)

// TypeAlarm is the type ID the Alarm Producer uses when minting alarm IDs.
const TypeAlarm uint8 = 1

// ClockRegressionError is returned when the wall clock moves backward
// relative to the last generated ID. Preserved as a fatal condition
// intentionally: the allocator does not attempt to wait out or
// drift-tolerate a regressed clock.
type ClockRegressionError struct {
	LastMillis int64
	NowMillis  int64
}

func (e *ClockRegressionError) Error() string {
	return fmt.Sprintf("clock moved backwards: last=%d now=%d", e.LastMillis, e.NowMillis)
}

// Parts is the unpacked form of an allocated ID.
type Parts struct {
	Timestamp time.Time
	NodeID    int64
	TypeID    uint8
	Sequence  int64
}

// Allocator generates monotonically ordered IDs for a single node.
type Allocator struct {
	mu            sync.Mutex
	nodeID        int64
	lastTimestamp int64
	sequence      int64
}

// New creates an Allocator. If nodeID < 0, the node ID is derived from
// the last 10 bits of the primary network interface's hardware address.
func New(nodeID int64) (*Allocator, error) {
	if nodeID < 0 {
		derived, err := deriveNodeID()
		if err != nil {
			return nil, fmt.Errorf("derive node id: %w", err)
		}
		nodeID = derived
	}
	if nodeID > maxNodeID {
		return nil, fmt.Errorf("node id %d exceeds max %d", nodeID, maxNodeID)
	}
	return &Allocator{nodeID: nodeID, lastTimestamp: -1}, nil
}

// Next allocates a new ID with the given type ID (0-31).
func (a *Allocator) Next(typeID uint8) (uint64, error) {
	if typeID > maxTypeID {
		return 0, fmt.Errorf("type id %d exceeds max %d", typeID, maxTypeID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := nowMillis()

	if now < a.lastTimestamp {
		return 0, &ClockRegressionError{LastMillis: a.lastTimestamp, NowMillis: now}
	}

	if now == a.lastTimestamp {
		a.sequence = (a.sequence + 1) & maxSequence
		if a.sequence == 0 {
			// Sequence exhausted within this millisecond: spin until the
			// clock advances.
			for now <= a.lastTimestamp {
				now = nowMillis()
			}
		}
	} else {
		a.sequence = 0
	}

	a.lastTimestamp = now

	id := uint64(now-epochMillis)<<timestampShift |
		uint64(a.nodeID)<<nodeShift |
		uint64(typeID)<<typeShift |
		uint64(a.sequence)

	return id, nil
}

// Unpack decomposes an ID into its constituent fields.
func Unpack(id uint64) Parts {
	seq := int64(id & maxSequence)
	typeID := uint8((id >> typeShift) & maxTypeID)
	node := int64((id >> nodeShift) & maxNodeID)
	ts := int64(id>>timestampShift) + epochMillis

	return Parts{
		Timestamp: time.UnixMilli(ts),
		NodeID:    node,
		TypeID:    typeID,
		Sequence:  seq,
	}
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func deriveNodeID() (int64, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, err
	}
	for _, iface := range ifaces {
		hw := iface.HardwareAddr
		if len(hw) < 6 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		id := (int64(hw[4])<<8 | int64(hw[5])) & maxNodeID
		return id, nil
	}
	return 0, fmt.Errorf("no usable network interface found to derive node id")
}
