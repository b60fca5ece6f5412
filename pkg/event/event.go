package event

import (
	"sync"
	"time"
)

// Type is the kind of change an event describes.
type Type string

const (
	TypeInsert Type = "insert"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
)

// Source tags where an event was observed. It is the fundamental
// discriminator for view-side arbitration: realtime events carry the highest
// authority, snapshot and audit events are subordinate.
type Source string

const (
	SourceRealtime Source = "realtime"
	SourceSnapshot Source = "snapshot"
	SourceAudit    Source = "audit"
)

// SchemaFS is the schema name for filesystem events.
const SchemaFS = "fs"

// TableFiles is the single table of the FS schema.
const TableFiles = "files"

// Event is the tagged-variant record flowing from source drivers through the
// bus and the wire to view handlers. Rows are schema-specific; the FS schema
// uses Row.
type Event struct {
	Type   Type     `json:"event_type"`
	Schema string   `json:"event_schema"`
	Table  string   `json:"table"`
	Fields []string `json:"fields"`
	Rows   []Row    `json:"rows"`
	// Index is a monotonic sequence seeded from physical time in
	// microseconds, giving a Lamport-like order across Agent restarts.
	Index  int64  `json:"index"`
	Source Source `json:"message_source"`
}

// Row is one FS-schema record. Audit rows additionally carry the parent
// directory evidence used by parent-mtime arbitration.
type Row struct {
	Path         string  `json:"path"`
	ModifiedTime float64 `json:"modified_time"`
	CreatedTime  float64 `json:"created_time"`
	Size         int64   `json:"size"`
	IsDirectory  bool    `json:"is_directory"`
	ParentPath   string  `json:"parent_path,omitempty"`
	ParentMtime  float64 `json:"parent_mtime,omitempty"`
	// AuditSkipped marks a directory row whose children were not descended
	// into this cycle (its mtime matched the agent's cache).
	AuditSkipped bool `json:"audit_skipped,omitempty"`
}

// FSFields is the canonical field list for FS-schema events.
var FSFields = []string{"path", "modified_time", "created_time", "size", "is_directory"}

// New builds an FS-schema event carrying the given rows.
func New(t Type, source Source, index int64, rows []Row) *Event {
	return &Event{
		Type:   t,
		Schema: SchemaFS,
		Table:  TableFiles,
		Fields: FSFields,
		Rows:   rows,
		Index:  index,
		Source: source,
	}
}

// Sequencer issues event indexes: microseconds since epoch, seeded from the
// wall clock at construction and strictly increasing afterwards. Seeding from
// physical time lets an Agent restart without replaying index ranges it
// already committed.
type Sequencer struct {
	mu   sync.Mutex
	last int64
}

// NewSequencer returns a sequencer seeded from the current time.
func NewSequencer() *Sequencer {
	return &Sequencer{last: time.Now().UnixMicro()}
}

// Next returns the next index. If the wall clock moved past the last issued
// index it jumps forward, otherwise it increments.
func (s *Sequencer) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UnixMicro()
	if now > s.last {
		s.last = now
	} else {
		s.last++
	}
	return s.last
}

// IndexToSeconds converts an event index to epoch seconds for feeding the
// logical clock.
func IndexToSeconds(index int64) float64 {
	return float64(index) / 1e6
}
