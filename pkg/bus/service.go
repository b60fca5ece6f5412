package bus

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/metrics"
)

// DefaultSplitThreshold is the subscriber lag, in buffered events, beyond
// which the service splits the bus instead of letting one slow consumer hold
// back the cohort.
const DefaultSplitThreshold = 5000

// Producer starts feeding a freshly created bus and returns when the bus is
// done. The service invokes it on its own goroutine.
type Producer func(b *Bus)

// Remapper is implemented by pipelines so a split can swap their bus
// reference in place. positionLost tells the pipeline to schedule a
// supplemental snapshot.
type Remapper interface {
	RemapToNewBus(newBus *Bus, positionLost bool)
}

// Service manages the buses of one Agent process: one bus per source unless
// subscriber divergence forces a split.
type Service struct {
	capacity       int
	splitThreshold int
	logger         zerolog.Logger

	mu        sync.Mutex
	buses     map[string]*Bus     // bus id -> bus
	bySource  map[string][]string // source id -> bus ids
	producers map[string]Producer // source id -> producer factory
	remappers map[string]Remapper // subscriber id -> pipeline
	transient map[string]bool     // source id -> transient flag
	location  map[string]string   // subscriber id -> bus id
}

// NewService creates a bus service.
func NewService(capacity, splitThreshold int) *Service {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if splitThreshold <= 0 {
		splitThreshold = DefaultSplitThreshold
	}
	return &Service{
		capacity:       capacity,
		splitThreshold: splitThreshold,
		buses:          make(map[string]*Bus),
		bySource:       make(map[string][]string),
		producers:      make(map[string]Producer),
		remappers:      make(map[string]Remapper),
		transient:      make(map[string]bool),
		location:       make(map[string]string),
		logger:         log.WithComponent("bus-service"),
	}
}

// RegisterSource declares how to start a producer for a source. Called by the
// agent manager during pipeline wiring.
func (s *Service) RegisterSource(sourceID string, transient bool, producer Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers[sourceID] = producer
	s.transient[sourceID] = transient
}

// GetOrCreateBusForSubscriber subscribes a pipeline to the bus of sourceID,
// creating the bus (and starting its producer) on first use. A new bus is
// also allocated when the subscriber's fields mapping is incompatible with
// every existing bus on the source. Returns the bus and whether the
// requested position was already evicted.
func (s *Service) GetOrCreateBusForSubscriber(sourceID, subscriberID string, requiredPosition int64, fieldsMapping []string, remapper Remapper) (*Bus, bool, error) {
	s.mu.Lock()
	producer, ok := s.producers[sourceID]
	if !ok {
		s.mu.Unlock()
		return nil, false, errNoSource(sourceID)
	}

	var target *Bus
	for _, busID := range s.bySource[sourceID] {
		b := s.buses[busID]
		if b != nil && s.mappingCompatible(b, fieldsMapping) {
			target = b
			break
		}
	}
	created := false
	if target == nil {
		target = s.newBusLocked(sourceID)
		created = true
	}
	s.remappers[subscriberID] = remapper
	s.location[subscriberID] = target.ID()
	s.mu.Unlock()

	positionLost := target.Subscribe(subscriberID, requiredPosition, fieldsMapping)
	if created {
		go s.runProducer(target, producer)
	}
	return target, positionLost, nil
}

// newBusLocked allocates and registers a bus for a source. Caller holds s.mu.
func (s *Service) newBusLocked(sourceID string) *Bus {
	id := sourceID + "-" + uuid.NewString()[:8]
	b := New(id, sourceID, s.capacity, s.transient[sourceID])
	s.buses[id] = b
	s.bySource[sourceID] = append(s.bySource[sourceID], id)
	return b
}

func (s *Service) runProducer(b *Bus, producer Producer) {
	producer(b)
	s.mu.Lock()
	delete(s.buses, b.ID())
	ids := s.bySource[b.SourceID()]
	s.bySource[b.SourceID()] = slices.DeleteFunc(ids, func(id string) bool { return id == b.ID() })
	s.mu.Unlock()
}

// mappingCompatible reports whether a subscriber's fields mapping can share a
// bus with its existing subscribers. Buses carry full rows, so mappings are
// compatible when equal or when either side requests everything.
func (s *Service) mappingCompatible(b *Bus, mapping []string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if len(sub.fieldsMapping) == 0 || len(mapping) == 0 {
			continue
		}
		if !slices.Equal(sub.fieldsMapping, mapping) {
			return false
		}
	}
	return true
}

// Commit advances a subscriber cursor on its current bus.
func (s *Service) Commit(subscriberID string, count int, lastIndex int64) {
	if b := s.busOf(subscriberID); b != nil {
		b.Commit(subscriberID, count, lastIndex)
	}
}

// CommitAndHandleSplit commits, then checks divergence: if this subscriber
// shares its bus and lags beyond the split threshold (or has already lost its
// position), it alone is moved to a fresh bus on the same source and
// remapped. Moving cannot recover already
// evicted events, so remap carries positionLost and the pipeline schedules a
// supplemental snapshot.
func (s *Service) CommitAndHandleSplit(subscriberID string, count int, lastIndex int64, fieldsMapping []string) {
	b := s.busOf(subscriberID)
	if b == nil {
		return
	}
	b.Commit(subscriberID, count, lastIndex)

	b.mu.Lock()
	sub, ok := b.subs[subscriberID]
	if !ok || len(b.subs) < 2 {
		b.mu.Unlock()
		return
	}
	lagging := b.lag(sub) > s.splitThreshold
	lost := sub.positionLost
	mapping := sub.fieldsMapping
	cursor := sub.cursor
	b.mu.Unlock()

	if !lagging && !lost {
		return
	}

	s.mu.Lock()
	producer, ok := s.producers[b.SourceID()]
	if !ok {
		s.mu.Unlock()
		return
	}
	newBus := s.newBusLocked(b.SourceID())
	remapper := s.remappers[subscriberID]
	s.location[subscriberID] = newBus.ID()
	s.mu.Unlock()

	metrics.BusSplitsTotal.Inc()
	s.logger.Warn().
		Str("subscriber", subscriberID).
		Str("old_bus", b.ID()).
		Str("new_bus", newBus.ID()).
		Bool("position_lost", true).
		Msg("Splitting bus for diverged subscriber")

	// The new bus starts empty: events between the cursor and now are gone
	// for this subscriber, so the remap always reports position loss.
	newBus.Subscribe(subscriberID, cursor, mapping)
	b.Release(subscriberID)
	go s.runProducer(newBus, producer)
	if remapper != nil {
		remapper.RemapToNewBus(newBus, true)
	}
}

// ReleaseSubscriber detaches a subscriber from its bus. Buses terminate when
// their last subscriber is released.
func (s *Service) ReleaseSubscriber(subscriberID string) {
	b := s.busOf(subscriberID)
	s.mu.Lock()
	delete(s.remappers, subscriberID)
	delete(s.location, subscriberID)
	s.mu.Unlock()
	if b != nil {
		b.Release(subscriberID)
	}
}

func (s *Service) busOf(subscriberID string) *Bus {
	s.mu.Lock()
	defer s.mu.Unlock()
	busID, ok := s.location[subscriberID]
	if !ok {
		return nil
	}
	return s.buses[busID]
}
