// Package notify decides who hears about a change and buffers bursts of
// changes into coalesced notifications.
package notify

import (
	"context"
	"fmt"
	"sort"

	"backlog/api/internal/store"
)

// PolicyStore is the slice of the persistence layer the resolver reads.
type PolicyStore interface {
	MemberIDs(ctx context.Context, projectID int64) ([]int64, error)
	NotifyPolicies(ctx context.Context, projectID int64) (map[int64]store.NotifyLevel, error)
	WatcherIDs(ctx context.Context, entityKey string) ([]int64, error)
	ParticipantIDs(ctx context.Context, entityKey string) ([]int64, error)
	UsersByIDs(ctx context.Context, ids []int64) ([]store.User, error)
}

// Involvement names everyone tied to the changed entity beyond plain
// membership: its owner, the assignees before and after the change, and the
// users mentioned in the comment.
type Involvement struct {
	ProjectID    int64
	EntityKey    string
	ActorID      int64
	OwnerID      int64
	AssignedIDs  []int64
	MentionedIDs []int64
}

type Resolver struct {
	store PolicyStore
}

func NewResolver(st PolicyStore) *Resolver {
	return &Resolver{store: st}
}

// Recipients computes who gets notified about one history entry.
//
// Members with policy "all" always hear about it. Members involved with the
// entity (owner, assignees, watchers, mentioned users, comment participants)
// hear about it under the default "involved" policy. A "none" policy silences
// everything except a direct mention. The actor is excluded unless they opted
// into their own changes, and inactive, system and non-member users never
// receive anything.
func (r *Resolver) Recipients(ctx context.Context, in Involvement) ([]store.User, error) {
	memberIDs, err := r.store.MemberIDs(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	members := make(map[int64]bool, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = true
	}

	policies, err := r.store.NotifyPolicies(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	policy := func(id int64) store.NotifyLevel {
		if level, ok := policies[id]; ok {
			return level
		}
		return store.NotifyInvolved
	}

	watchers, err := r.store.WatcherIDs(ctx, in.EntityKey)
	if err != nil {
		return nil, err
	}
	participants, err := r.store.ParticipantIDs(ctx, in.EntityKey)
	if err != nil {
		return nil, err
	}

	mentioned := make(map[int64]bool, len(in.MentionedIDs))
	for _, id := range in.MentionedIDs {
		mentioned[id] = true
	}

	var involved []int64
	if in.OwnerID != 0 {
		involved = append(involved, in.OwnerID)
	}
	involved = append(involved, in.AssignedIDs...)
	involved = append(involved, watchers...)
	involved = append(involved, participants...)
	involved = append(involved, in.MentionedIDs...)

	candidates := map[int64]bool{}
	for _, id := range memberIDs {
		if policy(id) == store.NotifyAll {
			candidates[id] = true
		}
	}
	for _, id := range involved {
		if policy(id) != store.NotifyNone || mentioned[id] {
			candidates[id] = true
		}
	}

	ids := make([]int64, 0, len(candidates))
	for id := range candidates {
		if !members[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	users, err := r.store.UsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	out := users[:0]
	for _, u := range users {
		if !u.IsActive || u.IsSystem {
			continue
		}
		if u.ID == in.ActorID && !u.NotifyOwnChanges {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
