package config

// Config is the otlpspand configuration. Every field is optional;
// command line flags and OTLP environment variables take precedence.
type Config struct {
	// Debug enables debug level logging.
	Debug bool `toml:"debug"`

	GRPC GRPCConfig `toml:"grpc"`

	Collector CollectorConfig `toml:"collector"`
}

// GRPCConfig configures the daemon's listening side.
type GRPCConfig struct {
	// Address holds listening addresses, as tcp:// or unix:// URLs or
	// bare host:port.
	Address []string `toml:"address"`
	// DebugAddress enables the profiling and metrics handlers.
	DebugAddress string `toml:"debugAddress"`
}

// CollectorConfig configures the upstream collector connection spans
// are forwarded to.
type CollectorConfig struct {
	// Endpoint is the collector address as host:port.
	Endpoint string `toml:"endpoint"`
	// Insecure disables transport security.
	Insecure bool `toml:"insecure"`
	// CACert is a PEM file with the roots to trust for the collector.
	CACert string `toml:"ca"`
	// Headers are attached to every forwarded batch.
	Headers map[string]string `toml:"headers"`
	// Timeout bounds one export call, in Go duration syntax.
	Timeout string `toml:"timeout"`
	// Compression is "gzip" or empty.
	Compression string `toml:"compression"`

	// MaxConcurrentRequests above one forwards batches asynchronously
	// with that many calls in flight.
	MaxConcurrentRequests int `toml:"maxConcurrentRequests"`
	// QueueSize is the asynchronous admission queue capacity.
	QueueSize int `toml:"queueSize"`
	// QueueFullPolicy is "reject" or "block".
	QueueFullPolicy string `toml:"queueFullPolicy"`
}
