package appdefaults

import "time"

const (
	// Address is the collector endpoint used when none is configured.
	Address = "localhost:4317"

	// ExportTimeout bounds a single export RPC.
	ExportTimeout = 10 * time.Second

	// ShutdownTimeout bounds the drain performed by Shutdown when the
	// caller does not supply its own.
	ShutdownTimeout = 5 * time.Second

	// Version is the exporter version reported in the user agent.
	Version = "0.9.0"

	// UserAgent is sent with every RPC unless overridden.
	UserAgent = "otlpexport/" + Version

	// ListenAddress is where the relay daemon accepts OTLP traffic by
	// default.
	ListenAddress = "tcp://127.0.0.1:4317"

	// ConfigPath is the default relay daemon config file location.
	ConfigPath = "/etc/otlpspand/otlpspand.toml"
)
