package wsserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/helikon-labs/subvt-backend/internal/cache"
	"github.com/helikon-labs/subvt-backend/internal/types"
)

// validatorDetailsSubscribeParams is the body of a subscribe_validator_details
// request (§6): the caller names which account's record to track.
type validatorDetailsSubscribeParams struct {
	AccountId string `json:"account_id"`
}

// validatorDetailsSnapshot is the first message sent on subscribe: the full
// current record (§4.E.3 step 3).
type validatorDetailsSnapshot struct {
	ValidatorDetails types.ValidatorDetails `json:"validator_details"`
}

// validatorDetailsUpdate is every subsequent message: a field-level diff
// against the last record sent to this account's subscribers (§4.E.3 step
// 2, "Diff semantics" shared with the List Server).
type validatorDetailsUpdate struct {
	FinalizedBlockNumber uint32                       `json:"finalized_block_number"`
	Diff                 types.ValidatorDetailsDiff   `json:"diff"`
}

// detailsTracker holds the one shared per-account state the Details Server
// diffs against: every subscriber to the same account id observes the same
// sequence of diffs, computed once regardless of subscriber count (§4.E.3
// "one tracker per subscribed account, not per connection").
type detailsTracker struct {
	id types.AccountId

	mu          sync.RWMutex
	current     types.ValidatorDetails
	haveCurrent bool
	hash        uint64
	active      bool

	bus *bus
}

// DetailsServer is the Validator-List pipeline's per-account fan-out stage
// (§4.E.3).
type DetailsServer struct {
	chain string
	cache cache.Cache
	log   *logrus.Entry

	mu       sync.Mutex
	trackers map[types.AccountId]*detailsTracker
}

// NewDetailsServer builds a DetailsServer for one chain.
func NewDetailsServer(chain string, c cache.Cache) *DetailsServer {
	return &DetailsServer{
		chain:    chain,
		cache:    c,
		log:      logrus.WithField("component", "validator_details_server").WithField("chain", chain),
		trackers: make(map[types.AccountId]*detailsTracker),
	}
}

// Run subscribes to the cache's finalized-block-number channel and, for
// every block, refreshes every account currently tracked by at least one
// subscriber (§4.E.3 step 2).
func (s *DetailsServer) Run(ctx context.Context) error {
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

func (s *DetailsServer) onBlock(ctx context.Context, n uint32) {
	s.mu.Lock()
	trackers := make([]*detailsTracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		trackers = append(trackers, t)
	}
	s.mu.Unlock()

	for _, t := range trackers {
		s.refresh(ctx, n, t)
	}
}

// refresh is §4.E.3 step 2: check the cached full-record hash for this
// account under its last-known active/inactive namespace, and skip the
// fetch entirely when unchanged.
func (s *DetailsServer) refresh(ctx context.Context, n uint32, t *detailsTracker) {
	t.mu.RLock()
	lastActive := t.active
	lastHash := t.hash
	haveCurrent := t.haveCurrent
	t.mu.RUnlock()

	active := lastActive
	newHash, err := s.cache.GetValidatorHash(ctx, s.chain, n, active, t.id)
	if err != nil {
		// The account may have moved between the active and inactive
		// namespaces since the last block; retry under the other one
		// before giving up for this block.
		active = !active
		newHash, err = s.cache.GetValidatorHash(ctx, s.chain, n, active, t.id)
		if err != nil {
			s.log.WithError(err).WithField("validator", t.id.Hex()).Warn("get validator hash")
			return
		}
	}
	if haveCurrent && newHash == lastHash && active == lastActive {
		return
	}

	details, err := s.cache.GetValidatorDetails(ctx, s.chain, n, active, t.id)
	if err != nil {
		s.log.WithError(err).WithField("validator", t.id.Hex()).Warn("get validator details")
		return
	}

	t.mu.Lock()
	old := t.current
	wasPresent := t.haveCurrent
	t.current, t.hash, t.active, t.haveCurrent = details, newHash, active, true
	t.mu.Unlock()

	if !wasPresent {
		return
	}
	diff := types.DiffValidatorDetails(old, details)
	t.bus.broadcast(validatorDetailsUpdate{FinalizedBlockNumber: n, Diff: diff})
}

// getOrCreateTracker returns the shared tracker for id, populating its
// initial snapshot from the cache at the latest finalized block if it did
// not already exist.
func (s *DetailsServer) getOrCreateTracker(ctx context.Context, id types.AccountId) (*detailsTracker, error) {
	s.mu.Lock()
	if t, ok := s.trackers[id]; ok {
		s.mu.Unlock()
		return t, nil
	}
	t := &detailsTracker{id: id, bus: newBus()}
	s.trackers[id] = t
	s.mu.Unlock()

	n, ok, err := s.cache.GetFinalizedBlockNumber(ctx, s.chain)
	if err != nil || !ok {
		return t, err
	}
	for _, active := range []bool{true, false} {
		details, err := s.cache.GetValidatorDetails(ctx, s.chain, n, active, id)
		if err != nil {
			continue
		}
		hash, err := s.cache.GetValidatorHash(ctx, s.chain, n, active, id)
		if err != nil {
			continue
		}
		t.mu.Lock()
		t.current, t.hash, t.active, t.haveCurrent = details, hash, active, true
		t.mu.Unlock()
		break
	}
	return t, nil
}

// forget drops a tracker with no remaining subscribers so idle accounts
// stop being refreshed every block.
func (s *DetailsServer) forget(id types.AccountId, t *detailsTracker) {
	if t.bus.size() > 0 {
		return
	}
	s.mu.Lock()
	if cur, ok := s.trackers[id]; ok && cur == t {
		delete(s.trackers, id)
	}
	s.mu.Unlock()
}

// HandleWS serves subscribe_validator_details / unsubscribe_validator_details
// (§6).
func (s *DetailsServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ob := newOutbox(conn)
	defer ob.Close()

	var tracker *detailsTracker
	var trackedId types.AccountId
	subscribed := false

	unsubscribe := func() {
		if !subscribed {
			return
		}
		tracker.bus.leave(ob)
		s.forget(trackedId, tracker)
		subscribed = false
		tracker = nil
	}
	defer unsubscribe()

	readLoop(s.log, conn, func(req subscribeRequest) {
		switch req.Method {
		case "subscribe_validator_details":
			if subscribed {
				ob.send(errorMessage{Error: "already subscribed, unsubscribe first"})
				return
			}
			var params validatorDetailsSubscribeParams
			if err := json.Unmarshal(req.Params, &params); err != nil {
				ob.send(errorMessage{Error: "invalid params: " + err.Error()})
				return
			}
			id, err := types.AccountIdFromHex(params.AccountId)
			if err != nil {
				ob.send(errorMessage{Error: "invalid account_id: " + err.Error()})
				return
			}
			t, err := s.getOrCreateTracker(r.Context(), id)
			if err != nil {
				ob.send(errorMessage{Error: "load validator details: " + err.Error()})
				return
			}
			tracker, trackedId, subscribed = t, id, true

			t.mu.RLock()
			snap := validatorDetailsSnapshot{ValidatorDetails: t.current}
			haveCurrent := t.haveCurrent
			t.mu.RUnlock()
			if haveCurrent {
				ob.send(snap)
			}
			t.bus.join(ob)
		case "unsubscribe_validator_details":
			unsubscribe()
		default:
			ob.send(errorMessage{Error: "unknown method: " + req.Method})
		}
	})
}
