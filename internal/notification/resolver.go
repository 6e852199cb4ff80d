package notification

import (
	"context"
	"sort"

	"github.com/sapliy/notification-engine/pkg/observability"
)

// Targets is the fan-out of one notification: per-channel target lists in
// resolution order, plus the owners of every token.
type Targets struct {
	byChannel map[Channel][]Target
	owners    map[Channel]map[string][]string
	total     int
}

func newTargets() *Targets {
	return &Targets{
		byChannel: make(map[Channel][]Target),
		owners:    make(map[Channel]map[string][]string),
	}
}

func (t *Targets) add(tg Target) {
	t.byChannel[tg.Channel] = append(t.byChannel[tg.Channel], tg)
	t.total++

	owners, ok := t.owners[tg.Channel]
	if !ok {
		owners = make(map[string][]string)
		t.owners[tg.Channel] = owners
	}
	for _, u := range owners[tg.Token] {
		if u == tg.UserID {
			return
		}
	}
	owners[tg.Token] = append(owners[tg.Token], tg.UserID)
}

// Channels returns the channels with at least one target, sorted.
func (t *Targets) Channels() []Channel {
	out := make([]Channel, 0, len(t.byChannel))
	for ch := range t.byChannel {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Targets) For(ch Channel) []Target {
	return t.byChannel[ch]
}

// Total is the number of tokens to attempt across all channels.
func (t *Targets) Total() int {
	return t.total
}

// Owners returns every user that registered token on ch.
func (t *Targets) Owners(ch Channel, token string) []string {
	return t.owners[ch][token]
}

// Resolver expands user IDs into channel targets.
type Resolver struct {
	users UserDirectory
	log   *observability.Logger
}

func NewResolver(users UserDirectory, log *observability.Logger) *Resolver {
	return &Resolver{users: users, log: log.Component("resolver")}
}

// Resolve looks up every user in order. Duplicates are resolved again.
// A failed lookup is logged and the user contributes no targets.
func (r *Resolver) Resolve(ctx context.Context, userIDs []string) *Targets {
	out := newTargets()
	for _, uid := range userIDs {
		regs, err := r.users.Registrations(ctx, uid)
		if err != nil {
			r.log.WithContext(ctx).Warn().Err(err).Str("user_id", uid).Msg("failed to resolve registrations, skipping user")
			ResolutionFailures.Inc()
			continue
		}
		for _, reg := range regs {
			if reg.Token == "" {
				continue
			}
			out.add(Target{
				UserID:   uid,
				Channel:  reg.Channel,
				DeviceID: reg.DeviceID,
				Token:    reg.Token,
			})
		}
	}
	return out
}
