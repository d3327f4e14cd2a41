package wsserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// validatorListSnapshot is the first message sent to a new
// subscribe_validatorList subscriber (§6).
type validatorListSnapshot struct {
	Insert    []types.ValidatorSummary     `json:"insert"`
	Update    []types.ValidatorSummaryDiff `json:"update"`
	RemoveIds []types.AccountId            `json:"remove_ids"`
}

// validatorListUpdate is every subsequent message (§6).
type validatorListUpdate struct {
	FinalizedBlockNumber uint32                        `json:"finalized_block_number"`
	Insert               []types.ValidatorSummary      `json:"insert"`
	Update               []types.ValidatorSummaryDiff  `json:"update"`
	RemoveIds            []types.AccountId             `json:"remove_ids"`
}

type listEntry struct {
	summary types.ValidatorSummary
	hash    uint64
	active  bool
}

// ListServer is the Validator-List pipeline's fan-out stage (§4.E.2): it
// subscribes to the Pub/Sub Cache's finalized-block-number channel, diffs
// the new snapshot against the previous one exactly once per block, and
// broadcasts the resulting message to every connected subscriber.
type ListServer struct {
	chain string
	cache cache.Cache
	log   *logrus.Entry

	mu        sync.RWMutex
	current   map[types.AccountId]listEntry
	lastBlock uint32
	haveBlock bool

	bus *bus
}

// NewListServer builds a ListServer for one chain.
func NewListServer(chain string, c cache.Cache) *ListServer {
	return &ListServer{
		chain:   chain,
		cache:   c,
		log:     logrus.WithField("component", "validator_list_server").WithField("chain", chain),
		current: make(map[types.AccountId]listEntry),
		bus:     newBus(),
	}
}

// Run subscribes to the cache's finalized-block-number channel and diffs
// each publish until ctx is cancelled (§4.E.2 step 2).
func (s *ListServer) Run(ctx context.Context) error {
	ch, err := s.cache.SubscribeValidatorsPublish(ctx, s.chain)
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

// onBlock is §4.E.2 step 2 plus step 3's duplicate-suppression (tested by
// S4): a repeat of an already-processed block number is logged at WARN and
// skipped rather than re-diffed.
func (s *ListServer) onBlock(ctx context.Context, n uint32) {
	s.mu.Lock()
	if s.haveBlock && n <= s.lastBlock {
		s.mu.Unlock()
		s.log.WithField("block_number", n).Warn("skip duplicate finalized block number")
		return
	}
	s.mu.Unlock()

	insert, update, removeIds, err := s.diff(ctx, n)
	if err != nil {
		s.log.WithError(err).WithField("block_number", n).Error("diff validator list")
		return
	}

	s.mu.Lock()
	s.lastBlock, s.haveBlock = n, true
	s.mu.Unlock()

	if len(insert) == 0 && len(update) == 0 && len(removeIds) == 0 {
		return
	}
	s.bus.broadcast(validatorListUpdate{
		FinalizedBlockNumber: n,
		Insert:               insert,
		Update:                update,
		RemoveIds:             removeIds,
	})
}

// diff is §4.E.2 step 2: load the account-id sets at block n, compute
// added/removed against the previous snapshot, and for ids in both sets
// gate on the cached summary_hash before fetching the full record.
func (s *ListServer) diff(ctx context.Context, n uint32) ([]types.ValidatorSummary, []types.ValidatorSummaryDiff, []types.AccountId, error) {
	newIds, err := loadCombinedIdSet(ctx, s.cache, s.chain, n)
	if err != nil {
		return nil, nil, nil, err
	}

	s.mu.RLock()
	oldCurrent := make(map[types.AccountId]listEntry, len(s.current))
	for id, e := range s.current {
		oldCurrent[id] = e
	}
	s.mu.RUnlock()

	var insert []types.ValidatorSummary
	var update []types.ValidatorSummaryDiff
	var removeIds []types.AccountId
	next := make(map[types.AccountId]listEntry, len(newIds))

	for id, active := range newIds {
		old, existed := oldCurrent[id]
		newHash, err := s.cache.GetValidatorSummaryHash(ctx, s.chain, n, active, id)
		if err != nil {
			s.log.WithError(err).WithField("validator", id.Hex()).Warn("get validator summary hash")
			continue
		}
		if existed && old.hash == newHash && old.active == active {
			next[id] = old
			continue
		}
		details, err := s.cache.GetValidatorDetails(ctx, s.chain, n, active, id)
		if err != nil {
			s.log.WithError(err).WithField("validator", id.Hex()).Warn("get validator details")
			continue
		}
		summary := details.Summary()
		next[id] = listEntry{summary: summary, hash: newHash, active: active}
		if !existed {
			insert = append(insert, summary)
		} else {
			update = append(update, types.DiffValidatorSummary(old.summary, summary))
		}
	}
	for id := range oldCurrent {
		if _, ok := newIds[id]; !ok {
			removeIds = append(removeIds, id)
		}
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	return insert, update, removeIds, nil
}

// loadCombinedIdSet merges the active and inactive account-id sets cached
// for one block into a single map keyed by id, carrying each id's active
// flag so callers know which cache key namespace to read from next.
func loadCombinedIdSet(ctx context.Context, c cache.Cache, chain string, blockNumber uint32) (map[types.AccountId]bool, error) {
	active, err := c.GetAccountIdSet(ctx, chain, blockNumber, true)
	if err != nil {
		return nil, err
	}
	inactive, err := c.GetAccountIdSet(ctx, chain, blockNumber, false)
	if err != nil {
		return nil, err
	}
	out := make(map[types.AccountId]bool, len(active)+len(inactive))
	for _, id := range active {
		out[id] = true
	}
	for _, id := range inactive {
		out[id] = false
	}
	return out, nil
}

// HandleWS upgrades the HTTP request and serves subscribe_validatorList /
// unsubscribe_validatorList (§6 "WebSocket RPC (exposed)").
func (s *ListServer) HandleWS(w http.ResponseWriter, r *http.Request) {
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
		case "subscribe_validatorList":
			if subscribed {
				return
			}
			subscribed = true
			s.mu.RLock()
			snap := validatorListSnapshot{}
			for _, e := range s.current {
				snap.Insert = append(snap.Insert, e.summary)
			}
			s.mu.RUnlock()
			ob.send(snap)
			s.bus.join(ob)
		case "unsubscribe_validatorList":
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
