package main

import (
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/blockdn/blockdn"
	"github.com/lightningnetwork/blockdn/build"
	"github.com/lightningnetwork/blockdn/cfilter"
	"github.com/lightningnetwork/blockdn/chainsync"
	"github.com/lightningnetwork/blockdn/headerchain"
	"github.com/lightningnetwork/blockdn/monitoring"
	"github.com/lightningnetwork/blockdn/signal"
	"github.com/lightningnetwork/blockdn/silentpayments"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "DNSY"

// log is the daemon logger. It is disabled until setupLoggers runs.
var log = btclog.Disabled

// setupLoggers creates a sub-logger for every subsystem from the rotating
// log writer and hands it to its package.
func setupLoggers(root *build.RotatingLogWriter) build.SubLoggers {
	loggers := make(build.SubLoggers)

	addSubLogger := func(subsystem string, useLogger func(btclog.Logger)) {
		logger := build.NewSubLogger(subsystem, root.GenSubLogger)
		useLogger(logger)
		loggers[subsystem] = logger
	}

	addSubLogger(Subsystem, func(l btclog.Logger) { log = l })
	addSubLogger(signal.Subsystem, signal.UseLogger)
	addSubLogger(blockdn.Subsystem, blockdn.UseLogger)
	addSubLogger(headerchain.Subsystem, headerchain.UseLogger)
	addSubLogger(cfilter.Subsystem, cfilter.UseLogger)
	addSubLogger(silentpayments.Subsystem, silentpayments.UseLogger)
	addSubLogger(chainsync.Subsystem, chainsync.UseLogger)
	addSubLogger(monitoring.Subsystem, monitoring.UseLogger)

	return loggers
}
