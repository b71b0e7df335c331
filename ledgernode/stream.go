package ledgernode

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roots-id/go-didwallet/ledger"
)

const subscriberBuffer = 256

// hub fans operation status changes out to stream subscribers. A subscriber that
// falls behind loses updates rather than stalling the node.
type hub struct {
	subs   map[int]chan ledger.OperationInfo
	nextID int
	logger *slog.Logger
	lock   sync.Mutex
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		subs:   make(map[int]chan ledger.OperationInfo),
		logger: logger,
	}
}

// subscribe returns the update channel and a function that closes it.
func (h *hub) subscribe() (<-chan ledger.OperationInfo, func()) {
	h.lock.Lock()
	defer h.lock.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan ledger.OperationInfo, subscriberBuffer)
	h.subs[id] = ch
	StreamSubscribersGauge.Record(context.Background(), int64(len(h.subs)))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.lock.Lock()
			defer h.lock.Unlock()
			delete(h.subs, id)
			close(ch)
			StreamSubscribersGauge.Record(context.Background(), int64(len(h.subs)))
		})
	}
}

func (h *hub) publish(infos ...ledger.OperationInfo) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for id, ch := range h.subs {
		for _, info := range infos {
			select {
			case ch <- info:
			default:
				h.logger.Warn("stream subscriber lagging, dropping update", "subscriber", id, "operation", info.OperationID)
			}
		}
	}
}
