package audit

import (
	"sync"

	"maekawa-dme/internal/maekawa"
	"maekawa-dme/internal/pubsub"
)

// Recorder appends every critical section event published on a bus to a Store
type Recorder struct {
	store  *Store
	logger maekawa.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	firstErr error
	count    int
}

var recordedEvents = map[pubsub.EventType]Kind{
	maekawa.RequestedCS: Requested,
	maekawa.EnteredCS:   Entered,
	maekawa.ExitedCS:    Exited,
}

// NewRecorder subscribes to bus and starts recording. Subscriptions are
// blocking so no event is lost; recording stops when the bus is closed.
func NewRecorder(store *Store, bus *pubsub.Bus, logger maekawa.Logger) *Recorder {
	if logger == nil {
		logger = maekawa.NopLogger()
	}
	r := &Recorder{store: store, logger: logger}

	for eventType, kind := range recordedEvents {
		ch := make(chan *pubsub.Event[maekawa.CSEvent], 256)
		pubsub.Subscribe(bus, eventType, ch, pubsub.SubscriptionOptions{IsBlocking: true})
		r.wg.Add(1)
		go r.consume(ch, kind)
	}
	return r
}

// maxBatch bounds how many buffered events one Append takes
const maxBatch = 256

func (r *Recorder) consume(ch <-chan *pubsub.Event[maekawa.CSEvent], kind Kind) {
	defer r.wg.Done()

	batch := make([]Record, 0, maxBatch)
	for ev := range ch {
		batch = append(batch[:0], toRecord(ev, kind))
		// Take whatever else is already buffered
	drain:
		for len(batch) < maxBatch {
			select {
			case ev, ok := <-ch:
				if !ok {
					break drain
				}
				batch = append(batch, toRecord(ev, kind))
			default:
				break drain
			}
		}

		err := r.store.Append(batch...)

		r.mu.Lock()
		if err != nil {
			if r.firstErr == nil {
				r.firstErr = err
			}
			r.logger.Errorf("[Audit] Failed to record %d %s events: %v", len(batch), kind, err)
		} else {
			r.count += len(batch)
		}
		r.mu.Unlock()
	}
}

func toRecord(ev *pubsub.Event[maekawa.CSEvent], kind Kind) Record {
	return Record{
		Node: ev.Payload.Node,
		Kind: kind,
		TS:   ev.Payload.TS,
		At:   ev.Payload.At,
	}
}

// Wait blocks until the bus has been closed and every event is stored. It
// returns the first storage error, if any.
func (r *Recorder) Wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr
}

// Count returns the number of records stored so far
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
