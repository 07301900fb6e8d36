// Package logging provides structured logging for the Siegenia bridge.
//
// It wraps log/slog so every entry carries the service name and build
// version, and components add their own attributes with With:
//
//	logger := logging.New(cfg.Logging, version)
//	devLogger := logger.With("component", "siegenia", "device_id", dev.ID)
//	devLogger.Info("connected to device", "url", url)
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Never log device passwords or session tokens.
package logging
