package exporter

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/moby/otlpexport/client"
	"github.com/moby/otlpexport/util/log"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// Options configure an exporter and, when it constructs one, its
// shared client.
type Options struct {
	// Endpoint is the collector address as host:port.
	Endpoint string

	// Insecure disables transport security.
	Insecure bool

	// TLSConfig is used when Insecure is false. nil selects the
	// system certificate pool.
	TLSConfig *tls.Config

	// Headers are attached to every export call as gRPC metadata.
	Headers map[string]string

	// UserAgent overrides the default user agent string.
	UserAgent string

	// Compression names the message compression scheme. "gzip" or
	// empty for none.
	Compression string

	// Timeout bounds a single export call.
	Timeout time.Duration

	// MaxConcurrentRequests above one routes exports through the
	// asynchronous dispatch path with that many calls in flight.
	MaxConcurrentRequests int

	// QueueSize is the asynchronous admission queue capacity.
	QueueSize int

	// QueuePolicy selects the behavior when the queue is full.
	QueuePolicy client.QueuePolicy

	// DialOptions are appended to the dial options when the exporter
	// constructs its own client connection.
	DialOptions []grpc.DialOption

	// Registerer optionally receives the exporter metrics. Export
	// counters are shared when several exporters use one registry.
	Registerer prometheus.Registerer
}

func (o Options) clientOptions() client.Options {
	return client.Options{
		Endpoint:              o.Endpoint,
		Insecure:              o.Insecure,
		TLSConfig:             o.TLSConfig,
		Headers:               o.Headers,
		UserAgent:             o.UserAgent,
		Compression:           o.Compression,
		Timeout:               o.Timeout,
		MaxConcurrentRequests: o.MaxConcurrentRequests,
		QueueSize:             o.QueueSize,
		QueuePolicy:           o.QueuePolicy,
		DialOptions:           o.DialOptions,
	}
}

// OptionsFromEnv builds Options from the standard OTLP environment
// variables. Trace-specific variables take precedence over the generic
// ones. Unset variables leave the zero value so library defaults
// apply.
func OptionsFromEnv() Options {
	opts := Options{
		Headers:     headersFromEnv(),
		Compression: envOr("OTEL_EXPORTER_OTLP_TRACES_COMPRESSION", "OTEL_EXPORTER_OTLP_COMPRESSION"),
		TLSConfig:   tlsFromEnv(),
	}

	if v := envOr("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		opts.Endpoint, opts.Insecure = splitEndpoint(v)
	}
	if v := envOr("OTEL_EXPORTER_OTLP_TRACES_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			log.L.Warnf("invalid boolean %q for OTLP insecure setting", v)
		} else {
			opts.Insecure = insecure
		}
	}
	if v := envOr("OTEL_EXPORTER_OTLP_TRACES_TIMEOUT", "OTEL_EXPORTER_OTLP_TIMEOUT"); v != "" {
		// The timeout variables carry milliseconds.
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			log.L.Warnf("invalid timeout %q for OTLP timeout setting", v)
		} else {
			opts.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if opts.Compression == "none" {
		opts.Compression = ""
	}
	return opts
}

// splitEndpoint reduces an endpoint URL to host:port, deriving
// transport security from the scheme when one is present.
func splitEndpoint(v string) (endpoint string, insecure bool) {
	switch {
	case strings.HasPrefix(v, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(v, "http://"), "/"), true
	case strings.HasPrefix(v, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(v, "https://"), "/"), false
	}
	return v, false
}

func headersFromEnv() map[string]string {
	v := envOr("OTEL_EXPORTER_OTLP_TRACES_HEADERS", "OTEL_EXPORTER_OTLP_HEADERS")
	if v == "" {
		return nil
	}
	headers := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			log.L.Warnf("skipping malformed OTLP header entry %q", pair)
			continue
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

func tlsFromEnv() *tls.Config {
	path := envOr("OTEL_EXPORTER_OTLP_TRACES_CERTIFICATE", "OTEL_EXPORTER_OTLP_CERTIFICATE")
	if path == "" {
		return nil
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		log.L.WithError(err).Warnf("failed to read collector CA certificate %s", path)
		return nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		log.L.Warnf("no certificates parsed from %s", path)
		return nil
	}
	return &tls.Config{RootCAs: pool}
}

func envOr(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
