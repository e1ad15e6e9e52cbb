// Package logger provides structured, component-scoped logging for avstream.
//
// Features:
//   - Levels TRACE, DEBUG, INFO, WARN, ERROR
//   - Per-component enable/disable
//   - Text, JSON and color output
//   - Optional caller and timestamp
//   - Size-based file rotation with gzip-compressed backups
//
// Usage:
//
//	log := logger.WithComponent(logger.ComponentResolver)
//	log.Info("stream resolved", map[string]interface{}{
//		"locator":  desc.Link,
//		"segments": desc.SegmentCount,
//	})
//
//	cfg := logger.DefaultConfig()
//	cfg.Level = logger.DEBUG
//	cfg.Format = logger.FormatJSON
//	logger.SetGlobalLogger(logger.New(cfg))
//
// Components:
//   - ComponentApp: session and CLI
//   - ComponentResolver: upstream player endpoint
//   - ComponentCipher: token decoding
//   - ComponentSource: byte sources and routing
//   - ComponentCache: on-disk segment cache
//   - ComponentClient: HTTP transport
//   - ComponentDownloader: segment assembly
package logger
