// Package log provides structured logging for evpipe components.
//
// Components receive a Logger at construction; there is no package-level
// default. Fields are attached with F and Err:
//
//	logger.Info("acknowledged entry", log.F("stream", s), log.F("id", id))
//	logger.Error("read failed", log.Err(err))
package log
