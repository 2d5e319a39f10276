// Package locator finds the actor that owns an agent ID.
package locator

import (
	"context"
	"log/slog"

	"forgeline/internal/domain"
)

// Locator resolves agent IDs to actor handles on an actor platform.
type Locator struct {
	platform domain.ActorPlatform
	order    []domain.Jurisdiction
	logger   *slog.Logger
}

// New creates a Locator. A nil platform is allowed; every lookup then fails
// with ErrNamespaceUnavailable.
func New(platform domain.ActorPlatform, logger *slog.Logger) *Locator {
	return &Locator{
		platform: platform,
		order:    domain.SearchOrder,
		logger:   logger.With("component", "locator"),
	}
}

// Locate returns the actor for id.
//
// Without search the actor is resolved in the default jurisdiction and the
// platform creates it lazily; the lookup is always Found. With search every
// jurisdiction in domain.SearchOrder is probed and the first one whose actor
// reports initialized wins; empty actors spawned along the way are released.
// RPC failures in one jurisdiction count as "not there". When nothing is
// initialized the lookup has Found == false and a nil error.
func (l *Locator) Locate(ctx context.Context, id string, search bool) (domain.ActorLookup, error) {
	if l.platform == nil {
		return domain.ActorLookup{}, domain.NewDomainError("Locator.Locate", domain.ErrNamespaceUnavailable, "no actor platform configured")
	}
	if id == "" {
		return domain.ActorLookup{}, domain.NewDomainError("Locator.Locate", domain.ErrInvalidInput, "empty agent id")
	}
	actorID := l.platform.IDFromName(id)

	if !search {
		h, err := l.platform.Get(ctx, actorID, domain.GetOptions{Jurisdiction: domain.JurisdictionDefault})
		if err != nil {
			return domain.ActorLookup{}, domain.WrapOp("Locator.Locate", err)
		}
		return domain.ActorLookup{Handle: h, Jurisdiction: domain.JurisdictionDefault, Found: true}, nil
	}

	for _, j := range l.order {
		h, err := l.platform.Get(ctx, actorID, domain.GetOptions{Jurisdiction: j})
		if err != nil {
			l.logger.Warn("actor lookup failed", "agent_id", id, "jurisdiction", j.String(), "error", err)
			continue
		}
		ok, err := h.IsInitialized(ctx)
		if err != nil {
			l.logger.Warn("actor initialization check failed", "agent_id", id, "jurisdiction", j.String(), "error", err)
			continue
		}
		if ok {
			l.logger.Debug("agent located", "agent_id", id, "jurisdiction", j.String())
			return domain.ActorLookup{Handle: h, Jurisdiction: j, Found: true}, nil
		}
		l.platform.Release(ctx, actorID, j)
	}

	l.logger.Info("agent not initialized in any jurisdiction", "agent_id", id)
	return domain.ActorLookup{}, nil
}

// LocateExisting searches every jurisdiction and maps "not found" to
// ErrAgentNotFound.
func (l *Locator) LocateExisting(ctx context.Context, id string) (domain.ActorLookup, error) {
	res, err := l.Locate(ctx, id, true)
	if err != nil {
		return res, err
	}
	if !res.Found {
		return res, domain.NewSubSystemError("agent", "Locator.LocateExisting", domain.ErrAgentNotFound, id)
	}
	return res, nil
}
