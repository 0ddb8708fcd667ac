/*
Package log provides structured logging for raftkv using zerolog.

The log package wraps zerolog to provide JSON or console structured
logging with component-specific child loggers, a configurable level,
and a handful of helpers for the common logging patterns used across
the consensus core, peer transport, and control surface.

Initialize once at startup:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

Then derive component loggers as needed:

	compLog := log.WithComponent("consensus")
	peerLog := log.WithPeerID("3")

All entries include a timestamp and respect the level set at Init time.
*/
package log
