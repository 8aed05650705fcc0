package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/renjiyun06/mosaic-sub001/internal/model"
)

// SessionRouter resolves the downstream session id for an emission across a
// connection, implementing the two alignment policies. Mirroring pairs are
// cached; tasking never consults existing routings.
type SessionRouter struct {
	routings model.RoutingStore

	mu    sync.RWMutex
	cache map[routeKey]string
}

type routeKey struct {
	meshID       int64
	localNodeID  int64
	localSession string
	remoteNodeID int64
}

// NewSessionRouter creates a router over the given routing store.
func NewSessionRouter(routings model.RoutingStore) *SessionRouter {
	return &SessionRouter{
		routings: routings,
		cache:    make(map[routeKey]string),
	}
}

// Resolve returns the downstream session id for an envelope from
// (sourceNodeID, upstreamSession) toward targetNodeID under align.
//
// Tasking mints a fresh id per call and persists nothing: the downstream
// session is torn down after the event, so there is never a pair to reuse,
// and a stored pair would collide with the routing store's uniqueness key
// (mesh, local node, local session, remote node) on the next emission from
// the same upstream session. Mirroring reuses the paired id when one exists,
// otherwise mints one and persists the pair atomically in both directions.
func (r *SessionRouter) Resolve(ctx context.Context, meshID, sourceNodeID int64, upstreamSession string, targetNodeID int64, align model.Alignment) (string, error) {
	if align == model.AlignmentTasking {
		return uuid.NewString(), nil
	}

	key := routeKey{meshID: meshID, localNodeID: sourceNodeID, localSession: upstreamSession, remoteNodeID: targetNodeID}
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	existing, err := r.routings.Lookup(ctx, meshID, sourceNodeID, upstreamSession, targetNodeID)
	switch {
	case err == nil:
		r.remember(key, existing.RemoteSessionID)
		return existing.RemoteSessionID, nil
	case errors.Is(err, model.ErrNotFound):
		// fall through to mint
	default:
		return "", fmt.Errorf("lookup routing: %w", err)
	}

	downstream := uuid.NewString()
	if err := r.routings.CreatePair(ctx, meshID, sourceNodeID, upstreamSession, targetNodeID, downstream); err != nil {
		return "", fmt.Errorf("create mirroring routing pair: %w", err)
	}
	r.remember(key, downstream)
	// The backward pair lets the downstream node reuse the upstream id when
	// emitting back toward the source.
	r.remember(routeKey{meshID: meshID, localNodeID: targetNodeID, localSession: downstream, remoteNodeID: sourceNodeID}, upstreamSession)
	return downstream, nil
}

func (r *SessionRouter) remember(key routeKey, sessionID string) {
	r.mu.Lock()
	r.cache[key] = sessionID
	r.mu.Unlock()
}
