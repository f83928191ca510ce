// Package assign resolves approver-assignment policies to users. The same
// strategy set serves approval steps (fixed, role, manager) and the
// sibling record-assignment automations (round_robin, least_loaded,
// territory).
package assign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stageflow/lifecycle-engine/types"
)

// ErrUnresolved indicates a policy that yields no user for the given
// record (empty pool, missing manager, unknown territory).
var ErrUnresolved = errors.New("policy did not resolve to a user")

// Directory is the external user lookup the resolver consults.
type Directory interface {
	UsersInRole(ctx context.Context, role string) ([]uint64, error)
	ManagerOf(ctx context.Context, userID uint64) (uint64, error)
	OpenAssignments(ctx context.Context, userID uint64) (int, error)
	TerritoryOwner(ctx context.Context, territory string) (uint64, error)
}

// Resolver resolves assignment policies. Round-robin cursors are kept
// per policy under a mutex; everything else is stateless.
type Resolver struct {
	directory Directory
	mu        sync.Mutex
	cursors   map[string]int
}

// NewResolver creates a Resolver. directory may be nil when only fixed
// policies are in use.
func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory, cursors: make(map[string]int)}
}

// Resolve returns the user a policy assigns for the given record.
func (r *Resolver) Resolve(ctx context.Context, policy types.ApproverPolicy, rec types.Record) (uint64, error) {
	switch policy.Kind {
	case types.PolicyFixed:
		if policy.UserID == 0 {
			return 0, fmt.Errorf("%w: fixed policy without user", ErrUnresolved)
		}
		return policy.UserID, nil

	case types.PolicyRole:
		members, err := r.members(ctx, policy)
		if err != nil {
			return 0, err
		}
		return members[0], nil

	case types.PolicyManager:
		if r.directory == nil {
			return 0, fmt.Errorf("%w: manager policy requires a directory", ErrUnresolved)
		}
		if rec.OwnerID == 0 {
			return 0, fmt.Errorf("%w: record %d has no owner", ErrUnresolved, rec.ID)
		}
		manager, err := r.directory.ManagerOf(ctx, rec.OwnerID)
		if err != nil {
			return 0, err
		}
		if manager == 0 {
			return 0, fmt.Errorf("%w: owner %d has no manager", ErrUnresolved, rec.OwnerID)
		}
		return manager, nil

	case types.PolicyRoundRobin:
		members, err := r.members(ctx, policy)
		if err != nil {
			return 0, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		key := cursorKey(policy)
		idx := r.cursors[key] % len(members)
		r.cursors[key] = idx + 1
		return members[idx], nil

	case types.PolicyLeastLoaded:
		members, err := r.members(ctx, policy)
		if err != nil {
			return 0, err
		}
		if r.directory == nil {
			return 0, fmt.Errorf("%w: least_loaded policy requires a directory", ErrUnresolved)
		}
		best, bestLoad := uint64(0), -1
		for _, m := range members {
			load, err := r.directory.OpenAssignments(ctx, m)
			if err != nil {
				return 0, err
			}
			if bestLoad < 0 || load < bestLoad {
				best, bestLoad = m, load
			}
		}
		return best, nil

	case types.PolicyTerritory:
		if r.directory == nil {
			return 0, fmt.Errorf("%w: territory policy requires a directory", ErrUnresolved)
		}
		territory, _ := rec.Fields[policy.TerritoryField].(string)
		if territory == "" {
			return 0, fmt.Errorf("%w: record %d has no %q value", ErrUnresolved, rec.ID, policy.TerritoryField)
		}
		owner, err := r.directory.TerritoryOwner(ctx, territory)
		if err != nil {
			return 0, err
		}
		if owner == 0 {
			return 0, fmt.Errorf("%w: territory %q has no owner", ErrUnresolved, territory)
		}
		return owner, nil

	default:
		return 0, fmt.Errorf("%w: unknown policy kind %q", ErrUnresolved, policy.Kind)
	}
}

// CanAct reports whether actor is permitted to decide a step governed by
// policy. Role policies accept any member of the role; all other kinds
// accept exactly the resolved user.
func (r *Resolver) CanAct(ctx context.Context, actor uint64, policy types.ApproverPolicy, rec types.Record) (bool, error) {
	if policy.Kind == types.PolicyRole {
		members, err := r.members(ctx, policy)
		if errors.Is(err, ErrUnresolved) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		for _, m := range members {
			if m == actor {
				return true, nil
			}
		}
		return false, nil
	}

	resolved, err := r.Resolve(ctx, policy, rec)
	if errors.Is(err, ErrUnresolved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resolved == actor, nil
}

// members returns the candidate pool of a policy: the explicit pool when
// set, otherwise the sorted members of the policy's role.
func (r *Resolver) members(ctx context.Context, policy types.ApproverPolicy) ([]uint64, error) {
	if len(policy.Pool) > 0 {
		return policy.Pool, nil
	}
	if r.directory == nil || policy.Role == "" {
		return nil, fmt.Errorf("%w: no pool or role configured", ErrUnresolved)
	}
	members, err := r.directory.UsersInRole(ctx, policy.Role)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: role %q has no members", ErrUnresolved, policy.Role)
	}
	sorted := make([]uint64, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted, nil
}

func cursorKey(policy types.ApproverPolicy) string {
	if len(policy.Pool) > 0 {
		parts := make([]string, len(policy.Pool))
		for i, id := range policy.Pool {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return "pool:" + strings.Join(parts, ",")
	}
	return "role:" + policy.Role
}
