package notification

import (
	"context"
	"fmt"

	"github.com/sapliy/notification-engine/pkg/observability"
)

// PermanentFailures collects the registrations to remove after an attempt.
// Only per-token results can name a token, so aggregate channels never
// contribute.
func PermanentFailures(targets *Targets, results []ChannelResult) []RegistrationKey {
	seen := make(map[RegistrationKey]struct{})
	var keys []RegistrationKey
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		res, ok := r.Result.(PerTokenResult)
		if !ok {
			continue
		}
		for _, o := range res.Outcomes {
			if o.Success || !o.Permanent {
				continue
			}
			for _, uid := range targets.Owners(r.Channel, o.Token) {
				k := RegistrationKey{UserID: uid, Channel: r.Channel, Token: o.Token}
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// Pruner removes dead registrations in one batch per attempt.
type Pruner struct {
	users UserDirectory
	log   *observability.Logger
}

func NewPruner(users UserDirectory, log *observability.Logger) *Pruner {
	return &Pruner{users: users, log: log.Component("pruner")}
}

func (p *Pruner) Prune(ctx context.Context, targets *Targets, results []ChannelResult) (int, error) {
	keys := PermanentFailures(targets, results)
	if len(keys) == 0 {
		return 0, nil
	}

	removed, err := p.users.DeleteRegistrations(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to prune %d registrations: %w", len(keys), err)
	}
	for _, k := range keys {
		p.log.WithContext(ctx).Info().
			Str("user_id", k.UserID).
			Str("channel", string(k.Channel)).
			Msg("pruned invalid registration")
	}
	PrunedRegistrations.Add(float64(removed))
	return removed, nil
}
