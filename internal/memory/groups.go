package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hypertrophy-rankings/internal/domain"
)

// PeerGroups is a process-local peer group directory. A user belongs to at
// most one group.
type PeerGroups struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
	groupOf map[string]string
}

func NewPeerGroups() *PeerGroups {
	return &PeerGroups{
		members: make(map[string]map[string]struct{}),
		groupOf: make(map[string]string),
	}
}

// Assign moves userID into groupID.
func (g *PeerGroups) Assign(ctx context.Context, userID, groupID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.groupOf[userID]; ok {
		delete(g.members[prev], userID)
		if len(g.members[prev]) == 0 {
			delete(g.members, prev)
		}
	}
	if g.members[groupID] == nil {
		g.members[groupID] = make(map[string]struct{})
	}
	g.members[groupID][userID] = struct{}{}
	g.groupOf[userID] = groupID
	return nil
}

func (g *PeerGroups) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set, ok := g.members[groupID]
	if !ok {
		return nil, domain.ErrGroupNotFound
	}
	members := make([]string, 0, len(set))
	for userID := range set {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members, nil
}

func (g *PeerGroups) GroupOf(ctx context.Context, userID string) (string, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	groupID, ok := g.groupOf[userID]
	return groupID, ok, nil
}
