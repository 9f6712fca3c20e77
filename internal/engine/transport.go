package engine

import (
	"context"
	"io"
	"time"
)

// Artifact is a packaged snapshot ready for delivery.
type Artifact struct {
	Name     string
	Checksum string // SHA-256 of the packaged bytes
	Size     int64
	Body     io.Reader
}

// Ack confirms delivery of an artifact.
type Ack struct {
	Location    string
	DeliveredAt time.Time
}

// Transport delivers artifacts to a remote sink and fetches them back for
// import. Network retry is the transport's own concern.
type Transport interface {
	Submit(ctx context.Context, a Artifact) (Ack, error)
	Fetch(ctx context.Context, name string, w io.Writer) error
	List(ctx context.Context) ([]string, error)
}

// Packer turns an encoded snapshot into a portable artifact and back. The
// section bytes must survive unchanged so the checksum still verifies.
type Packer interface {
	Pack(enc *EncodedSnapshot) ([]byte, error)

	// Unpack reverses Pack. dc may be nil when the artifact is not encrypted.
	Unpack(data []byte, dc DecryptionContext) (*EncodedSnapshot, error)
}
