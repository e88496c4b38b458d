package kernel

import "time"

// Priority-class and level geometry (spec §3, §4.5).
const (
	ClassIdle ClassID = iota
	ClassRegular
	ClassTimeCritical
	ClassServer
	ClassRealtime
	classCount = int(ClassRealtime) + 1

	levelsPerClass = 32
	maxLevel       = levelsPerClass - 1

	// GlobalMaxPriority is the top of the flattened (class, level) priority
	// range: class_count*32 - 1.
	GlobalMaxPriority = classCount*levelsPerClass - 1
)

// ClassID is a scheduling priority class, ordered low to high.
type ClassID uint8

func (c ClassID) String() string {
	switch c {
	case ClassIdle:
		return "idle"
	case ClassRegular:
		return "regular"
	case ClassTimeCritical:
		return "time-critical"
	case ClassServer:
		return "server"
	case ClassRealtime:
		return "realtime"
	default:
		return "unknown-class"
	}
}

// Cross-CPU interrupt vectors (spec §6).
const (
	VectorSpurious     = 0xFF
	VectorError        = 0xFE
	VectorTick         = 0xFD
	VectorReschedule   = 0xFC
	VectorCallFunction = 0xFB
	VectorTLBFlush     = 0xFA
	VectorStop         = 0xF9
	VectorNMI          = 0xF8
	VectorExternalBase = 0x20
)

// AP bring-up timing constants (spec §4.3).
const (
	apInitDelay        = 10 * time.Millisecond
	apStartupDelay     = 200 * time.Microsecond
	apHandshakeTimeout = 1 * time.Second
)

// Load balancer defaults (spec §4.6, §9 Open Question: tunable).
var ImbalanceThreshold = 1

// cacheWarmThreshold is the "ran within the last 1ms" cache-warmth window
// that the load balancer refuses to migrate out of (spec §4.6).
const cacheWarmThreshold = 1 * time.Millisecond

// LoadBalanceInterval is the tick cadence at which the tick handler raises
// the periodic "need balance" flag (spec §4.5).
const LoadBalanceInterval = 100

// DefaultPageSize matches the teacher's page granularity.
const DefaultPageSize = 4096
