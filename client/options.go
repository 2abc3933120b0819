package client

import (
	"crypto/tls"
	"time"

	"github.com/moby/otlpexport/util/appdefaults"
	"github.com/moby/otlpexport/util/grpcutil/encoding/gzip"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// QueuePolicy selects what happens when the asynchronous dispatch
// queue is full at admission time.
type QueuePolicy int

const (
	// QueueReject refuses admission with ErrQueueFull so the caller
	// keeps the backpressure decision.
	QueueReject QueuePolicy = iota
	// QueueBlock waits for queue space or caller cancellation.
	QueueBlock
)

// Options configure a shared client and the calls made through it.
type Options struct {
	// Endpoint is the collector address as host:port.
	Endpoint string

	// Insecure disables transport security.
	Insecure bool

	// TLSConfig is used when Insecure is false. nil selects the
	// system certificate pool.
	TLSConfig *tls.Config

	// Headers are attached to every outgoing call as gRPC metadata.
	Headers map[string]string

	// UserAgent overrides the default user agent string.
	UserAgent string

	// Compression names the message compression scheme. "gzip" or
	// empty for none.
	Compression string

	// Timeout bounds a single export call.
	Timeout time.Duration

	// MaxConcurrentRequests above one enables asynchronous dispatch
	// with that many export calls in flight at once.
	MaxConcurrentRequests int

	// QueueSize is the admission queue capacity for asynchronous
	// dispatch. Defaults to twice MaxConcurrentRequests.
	QueueSize int

	// QueuePolicy selects the behavior when the queue is full.
	QueuePolicy QueuePolicy

	// DialOptions are appended to the computed dial options when the
	// client establishes its own connection. Custom network setups
	// hook their dialer here.
	DialOptions []grpc.DialOption
}

func (o Options) withDefaults() Options {
	if o.Endpoint == "" {
		o.Endpoint = appdefaults.Address
	}
	if o.UserAgent == "" {
		o.UserAgent = appdefaults.UserAgent
	}
	if o.Timeout <= 0 {
		o.Timeout = appdefaults.ExportTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 2 * o.MaxConcurrentRequests
	}
	return o
}

func (o Options) dialOptions() []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithUserAgent(o.UserAgent),
	}
	if o.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(o.TLSConfig)))
	}
	if o.Compression == gzip.Name {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)))
	}
	return append(opts, o.DialOptions...)
}
