package httpserver

import "time"

// ShutdownTimeout controls how long to wait for graceful shutdowns.
var ShutdownTimeout = 10 * time.Second

// Listener defaults used when the configuration leaves a timeout unset.
var (
	ReadHeaderTimeout = 5 * time.Second
	WriteTimeout      = 2 * time.Minute
	IdleTimeout       = 2 * time.Minute
)
