// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Heavily inspired by https://github.com/btcsuite/btcd/blob/master/signal.go
// Copyright (C) 2015-2017 The Lightning Network Developers

package signal

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// started is set once an Interceptor was created. Only one may exist per
// process since it owns the signal channel.
var started atomic.Bool

// Interceptor turns interrupt signals and shutdown requests into a single
// shutdown channel.
type Interceptor struct {
	// interruptChannel is used to receive SIGINT (Ctrl+C) signals.
	interruptChannel chan os.Signal

	// shutdownRequestChannel is used to request the daemon to shutdown
	// gracefully, similar to when receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when instructing the main interrupt handler to exit.
	quit chan struct{}

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel chan struct{}
}

// Intercept starts the interrupt handler. It may only be called once.
func Intercept() (*Interceptor, error) {
	if !started.CompareAndSwap(false, true) {
		return nil, errors.New("intercept already started")
	}

	i := &Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
		shutdownChannel:        make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		syscall.SIGABRT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(i.interruptChannel, signalsToCatch...)
	go i.mainInterruptHandler()

	return i, nil
}

// mainInterruptHandler listens for signals on the interruptChannel and
// shutdown requests on the shutdownRequestChannel and closes the shutdown
// channel on the first of either. It must be run as a goroutine.
func (i *Interceptor) mainInterruptHandler() {
	defer signal.Stop(i.interruptChannel)

	// isShutdown is set once the first shutdown signal was received.
	var isShutdown bool

	shutdown := func() {
		// Ignore more than one shutdown signal.
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")

		// Signal the main interrupt handler to exit, and stop accept
		// post-facto requests.
		close(i.quit)
	}

	for {
		select {
		case sig := <-i.interruptChannel:
			log.Infof("Received %v", sig)
			shutdown()

		case <-i.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-i.quit:
			log.Infof("Gracefully shutting down.")
			close(i.shutdownChannel)
			return
		}
	}
}

// Alive returns true if the main interrupt handler has not been killed.
func (i *Interceptor) Alive() bool {
	select {
	case <-i.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (i *Interceptor) RequestShutdown() {
	select {
	case i.shutdownRequestChannel <- struct{}{}:
	case <-i.quit:
	}
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (i *Interceptor) ShutdownChannel() <-chan struct{} {
	return i.shutdownChannel
}

// Context returns a context that is canceled on shutdown.
func (i *Interceptor) Context() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-i.shutdownChannel:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
