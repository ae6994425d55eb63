// Package classify filters claim summaries down to the fraudulent ones and
// labels the channel that triggered each flag.
package classify

import (
	"github.com/opensource-finance/harrier/internal/domain"
)

// Flag retains only summaries with at least one prior transaction and
// labels which channel(s) triggered the flag. Precedence: both channels,
// then Delivery, then MO. Claims with no prior transaction on either
// channel are not fraudulent and never reach the report.
func Flag(summaries []*domain.ClaimSummary) []*domain.FraudFlag {
	flags := make([]*domain.FraudFlag, 0, len(summaries))
	for _, s := range summaries {
		var channel string
		switch {
		case s.Delivery != nil && s.MO != nil:
			channel = domain.ChannelBoth
		case s.Delivery != nil:
			channel = domain.ChannelDelivery
		case s.MO != nil:
			channel = domain.ChannelMO
		default:
			continue
		}
		flags = append(flags, &domain.FraudFlag{
			ClaimSummary: *s,
			Channel:      channel,
		})
	}
	return flags
}
