package scheduler

import (
	"time"

	"github.com/3leaps/gostratus/pkg/pool"
)

// SessionSummary is one row in the session listing.
type SessionSummary struct {
	SessionID  string      `json:"session_id"`
	VMName     string      `json:"vm_name"`
	Status     pool.Status `json:"status"`
	Prompt     string      `json:"prompt"`
	CreatedAt  time.Time   `json:"created_at"`
	AgeMinutes int         `json:"age_minutes"`
}

// SessionList is the session listing envelope.
type SessionList struct {
	Sessions []SessionSummary `json:"sessions"`
}

// NodeSummary is one node's slice of the pool status.
type NodeSummary struct {
	Name              string `json:"name"`
	Size              string `json:"size"`
	Region            string `json:"region"`
	Capacity          int    `json:"capacity"`
	ActiveSessions    int    `json:"active_sessions"`
	AvailableCapacity int    `json:"available_capacity"`
}

// PoolSummary aggregates capacity across the pool.
type PoolSummary struct {
	TotalVMs          int           `json:"total_vms"`
	TotalCapacity     int           `json:"total_capacity"`
	ActiveSessions    int           `json:"active_sessions"`
	AvailableCapacity int           `json:"available_capacity"`
	VMs               []NodeSummary `json:"vms"`
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Scheduler) ListSessions(f pool.Filter) SessionList {
	sessions := s.store.Sessions(f)
	out := SessionList{Sessions: make([]SessionSummary, 0, len(sessions))}
	now := s.now()
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, SessionSummary{
			SessionID:  sess.ID,
			VMName:     sess.NodeName,
			Status:     sess.Status,
			Prompt:     sess.Prompt,
			CreatedAt:  sess.CreatedAt,
			AgeMinutes: sess.AgeMinutes(now),
		})
	}
	return out
}

// PoolStatus aggregates per-node and pool-wide capacity.
func (s *Scheduler) PoolStatus() PoolSummary {
	nodes := s.store.Nodes()
	out := PoolSummary{VMs: make([]NodeSummary, 0, len(nodes))}
	for _, n := range nodes {
		active := s.store.ActiveSessions(n.ID)
		slots := n.Capacity()
		out.VMs = append(out.VMs, NodeSummary{
			Name:              n.Name,
			Size:              n.Size.String(),
			Region:            n.Region,
			Capacity:          slots,
			ActiveSessions:    active,
			AvailableCapacity: slots - active,
		})
		out.TotalVMs++
		out.TotalCapacity += slots
		out.ActiveSessions += active
		out.AvailableCapacity += slots - active
	}
	return out
}
