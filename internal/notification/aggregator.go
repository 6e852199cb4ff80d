package notification

import (
	"fmt"
	"strings"
)

// ChannelResult is what the dispatcher collected from one channel.
type ChannelResult struct {
	Channel Channel
	Targets []Target
	Result  Result
	// Err is set when the channel failed as a whole.
	Err error
}

// Counts attributes every target of the channel to exactly one of
// delivered or failed. Missing per-token outcomes count as failed.
func (r ChannelResult) Counts() (delivered, failed int) {
	attempted := len(r.Targets)
	if r.Err != nil {
		return 0, attempted
	}

	switch res := r.Result.(type) {
	case PerTokenResult:
		for i, o := range res.Outcomes {
			if i >= attempted {
				break
			}
			if o.Success {
				delivered++
			}
		}
	case AggregateResult:
		delivered = res.Accepted
		if delivered > attempted {
			delivered = attempted
		}
		if delivered < 0 {
			delivered = 0
		}
	case nil:
		// no result and no error
	default:
		panic(fmt.Sprintf("unhandled channel result type %T", res))
	}
	return delivered, attempted - delivered
}

// Tally is the merged result of all channels of one attempt.
type Tally struct {
	Attempted int
	Delivered int
	Failed    int
	Channels  []ChannelTally
}

// Error summarizes whole-channel failures, or is empty.
func (t Tally) Error() string {
	var parts []string
	for _, c := range t.Channels {
		if c.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", c.Channel, c.Error))
		}
	}
	return strings.Join(parts, "; ")
}

// Aggregate sums delivered and failed counts over all channels.
func Aggregate(results []ChannelResult) Tally {
	var t Tally
	for _, r := range results {
		delivered, failed := r.Counts()
		ct := ChannelTally{
			Channel:   r.Channel,
			Attempted: len(r.Targets),
			Delivered: delivered,
			Failed:    failed,
		}
		if r.Err != nil {
			ct.Error = r.Err.Error()
		}
		t.Attempted += ct.Attempted
		t.Delivered += delivered
		t.Failed += failed
		t.Channels = append(t.Channels, ct)
	}
	return t
}

// noRecipients is the terminal result when resolution found no token.
func noRecipients(n *Notification) DeliveryResult {
	return DeliveryResult{
		SentTo:           n.TargetUsers,
		DeliveredTo:      0,
		FailedDeliveries: len(n.TargetUsers),
		Error:            noRecipientsMessage,
	}
}
