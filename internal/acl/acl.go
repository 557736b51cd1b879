// Package acl ingests principal-membership graphs from ACL-aware sources and
// expands a querying user into the viewer filter applied at retrieval time.
package acl

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/airweave/airweave/internal/store"
	"github.com/airweave/airweave/pkg/models"
)

// maxExpansionDepth bounds transitive group-in-group expansion so a cyclic
// graph cannot loop forever.
const maxExpansionDepth = 10

// Service resolves who can see what. Ingest replaces the membership graph of
// one connection; Expand walks the graph at query time.
type Service struct {
	log   zerolog.Logger
	store store.MembershipStore
}

// NewService creates the ACL service.
func NewService(log zerolog.Logger, st store.MembershipStore) *Service {
	return &Service{log: log, store: st}
}

// Ingest replaces the stored membership edges for one source connection.
// Called by the sync runner after a membership-generating source finishes.
func (s *Service) Ingest(ctx context.Context, sourceConnectionID string, edges []models.Membership) error {
	if err := s.store.ReplaceMemberships(ctx, sourceConnectionID, edges); err != nil {
		return err
	}
	s.log.Info().
		Str("source_connection_id", sourceConnectionID).
		Int("edges", len(edges)).
		Msg("membership graph replaced")
	return nil
}

// Remove drops the membership graph of a deleted connection.
func (s *Service) Remove(ctx context.Context, sourceConnectionID string) error {
	return s.store.DeleteMemberships(ctx, sourceConnectionID)
}

// Expand returns the full principal set of a user: the user principal itself
// plus every group reachable through membership edges, transitively. The
// result is sorted for deterministic filters.
func (s *Service) Expand(ctx context.Context, userPrincipal string) ([]string, error) {
	seen := map[string]bool{userPrincipal: true}
	frontier := []string{userPrincipal}

	for depth := 0; depth < maxExpansionDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, member := range frontier {
			edges, err := s.store.ListMembershipsByMember(ctx, member)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if !seen[e.GroupID] {
					seen[e.GroupID] = true
					next = append(next, e.GroupID)
				}
			}
		}
		frontier = next
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// ViewerFilter builds the retrieval filter for a user: a hit is visible when
// its viewer set intersects the expanded principals, or the entity is marked
// public. Empty userPrincipal means no ACL restriction.
func (s *Service) ViewerFilter(ctx context.Context, userPrincipal string) (*models.Filter, error) {
	if userPrincipal == "" {
		return nil, nil
	}
	principals, err := s.Expand(ctx, userPrincipal)
	if err != nil {
		return nil, err
	}
	return &models.Filter{
		Should: []models.FilterClause{
			{Field: "access.viewers", Operator: models.FilterIn, Value: principals},
			{Field: "access.is_public", Operator: models.FilterEq, Value: true},
		},
	}, nil
}
