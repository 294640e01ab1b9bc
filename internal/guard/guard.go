// Package guard implements the composable authorization checks applied to
// every protected endpoint. Checks are stacked in a fixed order and
// short-circuit on the first denial: feature, then operator scope, then
// role. All checks are read-only and safe to run in parallel across
// requests.
package guard

import (
	"fmt"

	"grantway.org/internal/actor"
	"grantway.org/internal/entitlement"
	"grantway.org/internal/obs"
)

// Checks, for denial accounting and machine-readable responses.
const (
	CheckFeature  = "feature"
	CheckOperator = "operator"
	CheckRole     = "role"
)

// Denial is a guard rejection. Required carries the machine-readable
// requirement (feature key, operator id or minimum role); Hint is a human
// explanation. A denial never names resources or operators beyond the ones
// the caller already supplied.
type Denial struct {
	Check    string `json:"check"`
	Required string `json:"required"`
	Hint     string `json:"hint"`
}

func (d *Denial) Error() string {
	return fmt.Sprintf("guard: %s denied (required %s)", d.Check, d.Required)
}

func deny(check, required, hint string) *Denial {
	obs.CountGuardDenial(check)
	return &Denial{Check: check, Required: required, Hint: hint}
}

// RequireFeature denies unless the feature is among the resolved features.
func RequireFeature(feature string, resolved []string) *Denial {
	for _, f := range resolved {
		if f == feature {
			return nil
		}
	}
	return deny(CheckFeature, feature,
		fmt.Sprintf("the %q feature is not enabled here", feature))
}

// RequireAnyFeature passes when at least one of the features is resolved.
// Used by endpoints shared between features.
func RequireAnyFeature(features []string, resolved []string) *Denial {
	enabled := make(map[string]struct{}, len(resolved))
	for _, f := range resolved {
		enabled[f] = struct{}{}
	}
	for _, f := range features {
		if _, ok := enabled[f]; ok {
			return nil
		}
	}
	required := ""
	if len(features) > 0 {
		required = features[0]
	}
	return deny(CheckFeature, required, "none of the required features are enabled here")
}

// RequireOperatorAccess denies unless the operator is in the actor's scope.
// Superadmins pass for any operator.
func RequireOperatorAccess(a actor.Actor, operatorID string) *Denial {
	if a.Superadmin {
		return nil
	}
	for _, op := range a.OperatorIDs {
		if op == operatorID {
			return nil
		}
	}
	return deny(CheckOperator, operatorID,
		fmt.Sprintf("you have no access to operator %q", operatorID))
}

// RequireRole denies when the actor ranks below the minimum role on the
// fixed hierarchy client < coach < admin.
func RequireRole(a actor.Actor, min entitlement.Role) *Denial {
	if a.Role.Level() >= min.Level() {
		return nil
	}
	return deny(CheckRole, string(min),
		fmt.Sprintf("this requires the %s role or higher", min))
}
