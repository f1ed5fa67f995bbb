package progression

import (
	"context"

	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/store"
)

// AddFriend records a weak reference to another user and credits the social
// score once. Re-adding an existing friend is a no-op.
func (c *Coordinator) AddFriend(ctx context.Context, tenantID, userID, friendID string) (*core.User, error) {
	if friendID == "" || friendID == userID {
		return nil, core.E(core.KindValidation, "invalid friend id")
	}

	release, err := c.locks.Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		u, err := c.store.LoadUser(ctx, tenantID, userID)
		if err != nil {
			return nil, err
		}
		for _, f := range u.Friends {
			if f == friendID {
				return u, nil
			}
		}

		result, err := c.store.ApplyUserDelta(ctx, tenantID, userID, &core.Delta{
			ExpectedVersion: u.Version,
			SocialScore:     10,
			AddFriend:       friendID,
		}, core.Idempotency{}, nil)
		if err != nil {
			if err == store.ErrVersionConflict && attempt < versionRetries {
				continue
			}
			return nil, err
		}
		if c.users != nil {
			c.users.Put(ctx, result.User)
		}
		return result.User, nil
	}
}
