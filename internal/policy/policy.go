// Package policy holds the narrow interfaces through which the messaging core
// consults external collaborators.
package policy

import (
	"context"

	"github.com/google/uuid"
)

// RelationshipPolicy decides whether two users may hold a direct conversation.
type RelationshipPolicy interface {
	CanMessage(ctx context.Context, a, b uuid.UUID) (bool, error)
}

type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Moderator classifies message text before it is appended.
type Moderator interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

type Profile struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}

// ProfileDirectory resolves display profiles for a batch of users.
// Unknown users are omitted from the result.
type ProfileDirectory interface {
	Profiles(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]Profile, error)
}

type allowAll struct{}

// AllowAll permits every pair.
func AllowAll() RelationshipPolicy { return allowAll{} }

func (allowAll) CanMessage(context.Context, uuid.UUID, uuid.UUID) (bool, error) { return true, nil }

// RelationshipFunc adapts a function to RelationshipPolicy.
type RelationshipFunc func(ctx context.Context, a, b uuid.UUID) (bool, error)

func (f RelationshipFunc) CanMessage(ctx context.Context, a, b uuid.UUID) (bool, error) {
	return f(ctx, a, b)
}

// ModeratorFunc adapts a function to Moderator.
type ModeratorFunc func(ctx context.Context, text string) (Verdict, error)

func (f ModeratorFunc) Check(ctx context.Context, text string) (Verdict, error) {
	return f(ctx, text)
}

// PassThrough is the moderator used when no checker is configured.
func PassThrough() Moderator {
	return ModeratorFunc(func(context.Context, string) (Verdict, error) { return VerdictAllow, nil })
}

// StaticProfiles derives a placeholder profile from the user id.
type StaticProfiles struct{}

func (StaticProfiles) Profiles(_ context.Context, userIDs []uuid.UUID) (map[uuid.UUID]Profile, error) {
	out := make(map[uuid.UUID]Profile, len(userIDs))
	for _, id := range userIDs {
		out[id] = Profile{UserID: id, DisplayName: "user-" + id.String()[:8]}
	}
	return out, nil
}
