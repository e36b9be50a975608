package auth

import (
	"context"
	"slices"

	"mindmap-history/application/ports"
)

// EntitlementCheckpoints unlocks named checkpoints on any plan
const EntitlementCheckpoints = "checkpoints"

// checkpointPlans include checkpoints without an explicit entitlement
var checkpointPlans = []string{"pro", "team"}

// ClaimsAccessChecker grants access from the caller's token claims
type ClaimsAccessChecker struct{}

var _ ports.DocumentAccessChecker = ClaimsAccessChecker{}

// CanAccess reports whether the caller may use the document's history. A
// context without claims has no access.
func (ClaimsAccessChecker) CanAccess(ctx context.Context, documentID string) (bool, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return false, nil
	}
	return claims.CanAccessDocument(documentID), nil
}

// ClaimsEntitlementChecker reads plan features from the caller's claims
type ClaimsEntitlementChecker struct{}

var _ ports.EntitlementChecker = ClaimsEntitlementChecker{}

// CanCreateCheckpoint reports whether the caller's plan includes named
// checkpoints
func (ClaimsEntitlementChecker) CanCreateCheckpoint(ctx context.Context, documentID string) (bool, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return false, nil
	}
	return claims.HasEntitlement(EntitlementCheckpoints) || slices.Contains(checkpointPlans, claims.Plan), nil
}

// AllowAll grants every check. It backs deployments running without auth.
type AllowAll struct{}

func (AllowAll) CanAccess(ctx context.Context, documentID string) (bool, error) {
	return true, nil
}

func (AllowAll) CanCreateCheckpoint(ctx context.Context, documentID string) (bool, error) {
	return true, nil
}
