package progression

import (
	"context"
	"encoding/json"

	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/store"
)

// CreditOp is a coin/XP credit issued by a sibling write path, such as an
// empire income collection. It runs through the same pipeline as a mission
// claim: per-user lock, idempotent replay, version retries, and the level,
// VIP tier and achievement recompute a receipt commit performs.
type CreditOp struct {
	Coins       int64
	XP          int64
	IdemKey     string
	RequestHash string
	Event       core.DerivedEvent

	// Decorate attaches extra rows to the delta before commit. It runs once
	// per attempt, after the credit recompute.
	Decorate func(d *core.Delta)

	// Render builds the response body from the post-commit user. Nil renders
	// the plain totals block.
	Render func(after *core.User, events []core.DerivedEvent) map[string]interface{}
}

// Credit applies op atomically and returns the rendered response.
func (c *Coordinator) Credit(ctx context.Context, tenantID, userID string, op CreditOp) ([]byte, bool, error) {
	release, err := c.locks.Acquire(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	defer release()

	return c.CreditLocked(ctx, tenantID, userID, op)
}

// CreditLocked is Credit for callers that already hold the per-user lock,
// so the credited amount can be read under it (empire income collection).
func (c *Coordinator) CreditLocked(ctx context.Context, tenantID, userID string, op CreditOp) ([]byte, bool, error) {
	if op.IdemKey != "" {
		if blob, found, err := c.store.LookupOutcome(ctx, tenantID, userID, op.IdemKey, op.RequestHash); err != nil {
			return nil, false, err
		} else if found {
			return blob, true, nil
		}
	}

	_, loc, policy, err := c.tenantContext(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}

	for attempt := 0; ; attempt++ {
		u, err := c.store.LoadUser(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}
		earned, err := c.earnedSet(ctx, tenantID, userID)
		if err != nil {
			return nil, false, err
		}

		delta, events, notifications := c.creditDelta(u, creditInput{
			Coins:     op.Coins,
			XP:        op.XP,
			Policy:    policy,
			Earned:    earned,
			Now:       c.clock().In(loc),
			BaseEvent: op.Event,
		})
		if op.Decorate != nil {
			op.Decorate(delta)
		}

		result, err := c.store.ApplyUserDelta(ctx, tenantID, userID, delta,
			core.Idempotency{Key: op.IdemKey, RequestHash: op.RequestHash},
			func(after *core.User) []byte {
				var payload map[string]interface{}
				if op.Render != nil {
					payload = op.Render(after, events)
				} else {
					payload = map[string]interface{}{"user": userSummary(after), "events": events}
				}
				body, _ := json.Marshal(payload)
				return body
			})
		if err != nil {
			if err == store.ErrVersionConflict && attempt < versionRetries {
				continue
			}
			return nil, false, err
		}

		if c.users != nil {
			c.users.Put(ctx, result.User)
		}
		if !result.Replayed {
			c.fanOut(tenantID, userID, notifications, events)
		}
		return result.Response, result.Replayed, nil
	}
}
