package uri

import "time"

// Options carries the timeouts and tuning knobs recognized across the
// driver, publication, subscription and connector/handler components.
// Defaults match spec defaults.
type Options struct {
	ConnectTimeout       time.Duration
	PublicationTimeout   time.Duration
	BackpressureTimeout  time.Duration
	ImageLivenessTimeout time.Duration
	SendQueueCapacity    int
	FragmentLimit        int
	MTULength            int

	// SessionCollisionRetries bounds how many times ClientConnector retries
	// with a fresh outbound publication after an apparent session-id
	// collision (observed as ensureConnected/image-available timeout).
	SessionCollisionRetries int

	ServerStreamID int32
	ClientStreamID int32
}

// DefaultOptions returns the spec-mandated defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:          5 * time.Second,
		PublicationTimeout:      5 * time.Second,
		BackpressureTimeout:     5 * time.Second,
		ImageLivenessTimeout:    10 * time.Second,
		SendQueueCapacity:       128,
		FragmentLimit:           8,
		MTULength:               1408,
		SessionCollisionRetries: 3,
		ServerStreamID:          1,
		ClientStreamID:          1001,
	}
}
