package messaging

import "github.com/bardlex/roundproxy/internal/events"

// Topic constants for the proxy event stream
const (
	TopicRoundChanges = "proxy.round_changes" // upstream round announcements and forks
	TopicHealth       = "proxy.health"        // connection quality and outages
	TopicStats        = "proxy.stats"         // historical stats after each finalized round
	TopicSubmissions  = "proxy.submissions"   // nonces forwarded upstream
	TopicRounds       = "proxy.rounds"        // finalized rounds with their winner outcome
)

// TopicFor maps an event kind to its topic.
func TopicFor(kind events.Kind) (string, bool) {
	switch kind {
	case events.KindRoundChanged:
		return TopicRoundChanges, true
	case events.KindHealthChanged:
		return TopicHealth, true
	case events.KindStatsUpdated:
		return TopicStats, true
	case events.KindSubmissionForwarded:
		return TopicSubmissions, true
	case events.KindRoundFinalized:
		return TopicRounds, true
	default:
		return "", false
	}
}

// Topics lists every topic the sink writes.
func Topics() []string {
	return []string{TopicRoundChanges, TopicHealth, TopicStats, TopicSubmissions, TopicRounds}
}
