// Package logger wraps zerolog behind a small structured logging interface.
//
// Components receive a Logger through their options and fall back to the
// process-wide one returned by GetLogger:
//
//	if err := logger.Initialize(&cfg.Logging); err != nil {
//	    return err
//	}
//	log := logger.GetLogger().WithComponent("proxy")
//	log.WithField("proxy", id).Warn("Proxy entered cooldown")
//
// Tests use NewTestLogger to capture messages, or NewNopLogger to drop them.
package logger
