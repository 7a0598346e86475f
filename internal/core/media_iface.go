package core

import "context"

// MediaConstraints selects which local tracks to capture.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaStream is a local capture handle. Close releases the devices.
type MediaStream interface {
	ID() string
	Close() error
}

// MediaSource is the local media capture collaborator.
// GetStream fails with ErrMediaUnavailable when no device can be opened.
type MediaSource interface {
	GetStream(ctx context.Context, c MediaConstraints) (MediaStream, error)
}

// RemoteStream is the media negotiated from the remote party.
type RemoteStream interface {
	ID() string
}

// MediaSink is the output the remote stream is bound to once connected.
type MediaSink interface {
	Bind(stream RemoteStream)
	Unbind()
}
