package wsserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// networkStatusSnapshot is the first message sent to a new
// subscribe_networkStatus subscriber (§6).
type networkStatusSnapshot struct {
	Status types.NetworkStatus `json:"status"`
}

// networkStatusUpdate is every subsequent message.
type networkStatusUpdate struct {
	FinalizedBlockNumber uint32                  `json:"finalized_block_number"`
	Diff                 types.NetworkStatusDiff `json:"diff"`
}

// NetworkStatusServer is §6's subscribe_networkStatus endpoint: a single
// shared snapshot, diffed once per publish and broadcast to every
// subscriber, following the same pattern as ListServer.
type NetworkStatusServer struct {
	chain string
	cache cache.Cache
	log   *logrus.Entry

	mu      sync.RWMutex
	current types.NetworkStatus
	have    bool

	bus *bus
}

// NewNetworkStatusServer builds a NetworkStatusServer for one chain.
func NewNetworkStatusServer(chain string, c cache.Cache) *NetworkStatusServer {
	return &NetworkStatusServer{
		chain: chain,
		cache: c,
		log:   logrus.WithField("component", "network_status_server").WithField("chain", chain),
		bus:   newBus(),
	}
}

// Run subscribes to the cache's network-status publish channel until ctx is
// cancelled.
func (s *NetworkStatusServer) Run(ctx context.Context) error {
	ch, err := s.cache.SubscribeNetworkStatusPublish(ctx, s.chain)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			s.onBlock(ctx, n)
		}
	}
}

func (s *NetworkStatusServer) onBlock(ctx context.Context, n uint32) {
	status, err := s.cache.GetNetworkStatus(ctx, s.chain)
	if err != nil {
		s.log.WithError(err).WithField("block_number", n).Error("get network status")
		return
	}

	s.mu.Lock()
	old, had := s.current, s.have
	s.current, s.have = status, true
	s.mu.Unlock()

	if !had {
		return
	}
	diff := types.DiffNetworkStatus(old, status)
	s.bus.broadcast(networkStatusUpdate{FinalizedBlockNumber: n, Diff: diff})
}

// HandleWS serves subscribe_networkStatus / unsubscribe_networkStatus (§6).
func (s *NetworkStatusServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ob := newOutbox(conn)
	defer ob.Close()

	subscribed := false
	readLoop(s.log, conn, func(req subscribeRequest) {
		switch req.Method {
		case "subscribe_networkStatus":
			if subscribed {
				return
			}
			subscribed = true
			s.mu.RLock()
			status, have := s.current, s.have
			s.mu.RUnlock()
			if have {
				ob.send(networkStatusSnapshot{Status: status})
			}
			s.bus.join(ob)
		case "unsubscribe_networkStatus":
			if subscribed {
				s.bus.leave(ob)
				subscribed = false
			}
		default:
			ob.send(errorMessage{Error: "unknown method: " + req.Method})
		}
	})
	if subscribed {
		s.bus.leave(ob)
	}
}
