package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/apperrors"
	"github.com/FireDesk/firegate/internal/pkg/logger"
	"github.com/FireDesk/firegate/internal/pkg/metrics"
)

// Pool owns the endpoint inventory and the assignment lifecycle.
//
// Locking discipline: each endpoint carries its own mutex guarding the
// capacity check, so allocations against different endpoints never
// block each other. The pool-level lock only guards the maps and the
// per-user assignment index, and is held briefly.
type Pool struct {
	mu        sync.RWMutex
	endpoints map[string]*endpointState
	tiers     map[model.Tier][]*endpointState
	byUser    map[string]map[model.Tier]*model.Assignment

	assignTTL map[model.Tier]time.Duration

	now func() time.Time
}

type endpointState struct {
	mu          sync.Mutex
	ep          model.Endpoint
	assignments map[string]*model.Assignment // keyed by user id
}

func New(endpoints []model.Endpoint, assignTTL map[model.Tier]time.Duration) *Pool {
	p := &Pool{
		endpoints: make(map[string]*endpointState),
		tiers:     make(map[model.Tier][]*endpointState),
		byUser:    make(map[string]map[model.Tier]*model.Assignment),
		assignTTL: assignTTL,
		now:       time.Now,
	}
	for _, ep := range endpoints {
		if ep.Status == "" {
			ep.Status = model.EndpointActive
		}
		es := &endpointState{ep: ep, assignments: make(map[string]*model.Assignment)}
		p.endpoints[ep.ID] = es
		p.tiers[ep.Tier] = append(p.tiers[ep.Tier], es)
	}
	// Lowest sequence number wins allocation; ties break on id.
	for _, list := range p.tiers {
		sort.Slice(list, func(i, j int) bool {
			if list[i].ep.Seq != list[j].ep.Seq {
				return list[i].ep.Seq < list[j].ep.Seq
			}
			return list[i].ep.ID < list[j].ep.ID
		})
	}
	return p
}

// Allocate binds the user to the oldest available endpoint of the
// tier. An existing ACTIVE assignment for (user, tier) is returned
// as-is so repeated fires land on the same endpoint.
func (p *Pool) Allocate(userID string, tier model.Tier, meta map[string]string) (*model.Assignment, error) {
	p.mu.RLock()
	if cur := p.activeAssignment(userID, tier); cur != nil {
		p.mu.RUnlock()
		return cur, nil
	}
	candidates := append([]*endpointState(nil), p.tiers[tier]...)
	p.mu.RUnlock()

	if len(candidates) == 0 {
		metrics.PoolAllocations.WithLabelValues(string(tier), "no_endpoints").Inc()
		return nil, apperrors.Newf(apperrors.ErrAllocationFailed, "no endpoints provisioned for tier %s", tier)
	}

	sawHealthy := false
	for _, es := range candidates {
		es.mu.Lock()
		if es.ep.Status != model.EndpointActive {
			es.mu.Unlock()
			continue
		}
		sawHealthy = true
		if len(es.assignments) >= es.ep.Capacity {
			es.mu.Unlock()
			continue
		}
		asg := &model.Assignment{
			UserID:     userID,
			EndpointID: es.ep.ID,
			Tier:       tier,
			AssignedAt: p.now(),
			Status:     model.AssignmentActive,
			Metadata:   meta,
		}
		if ttl := p.assignTTL[tier]; ttl > 0 {
			exp := asg.AssignedAt.Add(ttl)
			asg.ExpiresAt = &exp
		}
		es.assignments[userID] = asg
		es.mu.Unlock()

		// Install in the user index; a concurrent allocate for the
		// same user may have beaten us to a different endpoint.
		p.mu.Lock()
		if cur := p.activeAssignment(userID, tier); cur != nil && cur.EndpointID != es.ep.ID {
			p.mu.Unlock()
			es.mu.Lock()
			delete(es.assignments, userID)
			es.mu.Unlock()
			return cur, nil
		}
		if p.byUser[userID] == nil {
			p.byUser[userID] = make(map[model.Tier]*model.Assignment)
		}
		p.byUser[userID][tier] = asg
		p.mu.Unlock()

		metrics.PoolAllocations.WithLabelValues(string(tier), "ok").Inc()
		logger.Debug("endpoint allocated", "user_id", userID, "endpoint_id", es.ep.ID, "tier", tier)
		return asg, nil
	}

	if !sawHealthy {
		metrics.PoolAllocations.WithLabelValues(string(tier), "unhealthy").Inc()
		return nil, apperrors.Newf(apperrors.ErrEndpointUnhealthy, "no healthy endpoints for tier %s", tier)
	}
	metrics.PoolAllocations.WithLabelValues(string(tier), "capacity").Inc()
	return nil, apperrors.Newf(apperrors.ErrCapacityExceeded, "all %s endpoints at capacity", tier)
}

// Release ends the user's assignment. Empty endpointID releases the
// user's assignments on any endpoint. Returns true if anything was
// released.
func (p *Pool) Release(userID, endpointID string) bool {
	p.mu.Lock()
	var victims []*model.Assignment
	for tier, asg := range p.byUser[userID] {
		if asg.Status != model.AssignmentActive {
			continue
		}
		if endpointID != "" && asg.EndpointID != endpointID {
			continue
		}
		victims = append(victims, asg)
		delete(p.byUser[userID], tier)
	}
	p.mu.Unlock()

	for _, asg := range victims {
		p.detach(asg, model.AssignmentReleased)
	}
	return len(victims) > 0
}

// MarkEndpointStatus mutates an endpoint's health status.
func (p *Pool) MarkEndpointStatus(endpointID string, status model.EndpointStatus) bool {
	p.mu.RLock()
	es, ok := p.endpoints[endpointID]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	es.mu.Lock()
	old := es.ep.Status
	es.ep.Status = status
	es.mu.Unlock()
	logger.Info("endpoint status changed", "endpoint_id", endpointID, "from", old, "to", status)
	return true
}

// HandleEndpointFailure marks the endpoint ERROR, releases every
// active assignment on it and attempts one re-allocation per affected
// user to another healthy endpoint of the same tier. Users for whom
// nothing is available come back in stranded.
func (p *Pool) HandleEndpointFailure(endpointID string) (moved []*model.Assignment, stranded []string) {
	p.mu.RLock()
	es, ok := p.endpoints[endpointID]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	es.mu.Lock()
	es.ep.Status = model.EndpointError
	victims := make([]*model.Assignment, 0, len(es.assignments))
	for _, asg := range es.assignments {
		victims = append(victims, asg)
	}
	es.assignments = make(map[string]*model.Assignment)
	es.mu.Unlock()

	p.mu.Lock()
	for _, asg := range victims {
		asg.Status = model.AssignmentReleased
		if m := p.byUser[asg.UserID]; m != nil && m[asg.Tier] == asg {
			delete(m, asg.Tier)
		}
	}
	p.mu.Unlock()

	for _, asg := range victims {
		replacement, err := p.Allocate(asg.UserID, asg.Tier, asg.Metadata)
		if err != nil {
			stranded = append(stranded, asg.UserID)
			logger.Warn("no replacement endpoint for user after failure",
				"user_id", asg.UserID, "failed_endpoint", endpointID, "error", err)
			continue
		}
		moved = append(moved, replacement)
	}
	logger.Warn("endpoint failure handled",
		"endpoint_id", endpointID, "reassigned", len(moved), "stranded", len(stranded))
	return moved, stranded
}

// SweepExpired releases assignments whose expiry has passed. Invoked
// on a ticker, never on the admission hot path.
func (p *Pool) SweepExpired(now time.Time) int {
	p.mu.Lock()
	var expired []*model.Assignment
	for _, tiers := range p.byUser {
		for tier, asg := range tiers {
			if asg.ExpiresAt != nil && asg.ExpiresAt.Before(now) {
				expired = append(expired, asg)
				delete(tiers, tier)
			}
		}
	}
	p.mu.Unlock()

	for _, asg := range expired {
		p.detach(asg, model.AssignmentExpired)
	}
	if len(expired) > 0 {
		logger.Info("expired assignments swept", "count", len(expired))
	}
	return len(expired)
}

// Stats reports per-tier capacity usage.
func (p *Pool) Stats() []model.TierStats {
	p.mu.RLock()
	tiers := make([]model.Tier, 0, len(p.tiers))
	for tier := range p.tiers {
		tiers = append(tiers, tier)
	}
	lists := make(map[model.Tier][]*endpointState, len(p.tiers))
	for tier, list := range p.tiers {
		lists[tier] = append([]*endpointState(nil), list...)
	}
	p.mu.RUnlock()

	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	out := make([]model.TierStats, 0, len(tiers))
	for _, tier := range tiers {
		st := model.TierStats{Tier: tier}
		for _, es := range lists[tier] {
			es.mu.Lock()
			st.Endpoints++
			if es.ep.Status == model.EndpointActive {
				st.Capacity += es.ep.Capacity
				st.Used += len(es.assignments)
			}
			es.mu.Unlock()
		}
		st.Available = st.Capacity - st.Used
		out = append(out, st)
	}
	return out
}

// Endpoint returns a copy of the endpoint record.
func (p *Pool) Endpoint(id string) (model.Endpoint, bool) {
	p.mu.RLock()
	es, ok := p.endpoints[id]
	p.mu.RUnlock()
	if !ok {
		return model.Endpoint{}, false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.ep, true
}

// Assignment returns the user's active assignment for the tier, if any.
func (p *Pool) Assignment(userID string, tier model.Tier) (*model.Assignment, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	asg := p.activeAssignment(userID, tier)
	return asg, asg != nil
}

func (p *Pool) detach(asg *model.Assignment, status model.AssignmentStatus) {
	asg.Status = status
	p.mu.RLock()
	es, ok := p.endpoints[asg.EndpointID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	es.mu.Lock()
	if es.assignments[asg.UserID] == asg {
		delete(es.assignments, asg.UserID)
	}
	es.mu.Unlock()
}

// caller holds p.mu
func (p *Pool) activeAssignment(userID string, tier model.Tier) *model.Assignment {
	if m, ok := p.byUser[userID]; ok {
		if asg := m[tier]; asg != nil && asg.Status == model.AssignmentActive {
			return asg
		}
	}
	return nil
}
