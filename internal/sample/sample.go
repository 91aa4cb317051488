// Package sample contains the Sample type.
package sample

import (
	"time"

	"github.com/pion/rtp"
)

// Sample is a unit of media produced by a pipeline, ready to be forwarded to
// session transports.
type Sample struct {
	// Track is the index of the media track inside the pipeline description.
	Track int

	// Packet is the RTP packet carrying the payload.
	Packet *rtp.Packet

	// NTP is the absolute time of the sample.
	NTP time.Time

	// PTS is the presentation timestamp, relative to the start of the
	// pipeline.
	PTS time.Duration
}
