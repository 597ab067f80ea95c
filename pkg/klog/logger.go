/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package klog provides the leveled logger threaded through every
// component of the device stack: Channel, ChannelService, Device and
// DeviceManager all take a *Logger and never call the standard log
// package directly.
package klog

import (
	"io"
	"log"
	"os"
)

// Log levels, in order of increasing verbosity.
const (
	LevelSilent = iota
	LevelError
	LevelVerbose
)

// Logger holds function pointers for logging, and should be constructed
// with NewLogger. A nil *Logger is not safe to use; an unwanted level is
// routed to a no-op func, not to a nil field, so call sites never need a
// nil check.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

func NewLogger(level int, prepend string) *Logger {
	logger := &Logger{
		Verbosef: discardf,
		Errorf:   discardf,
	}
	logErr, logVerbose := io.Discard, io.Discard
	if level >= LevelVerbose {
		logVerbose = os.Stdout
	}
	if level >= LevelError {
		logErr = os.Stderr
	}
	errLog := log.New(logErr, "ERR: "+prepend, log.Ldate|log.Ltime)
	logger.Errorf = errLog.Printf
	verboseLog := log.New(logVerbose, prepend, log.Ldate|log.Ltime)
	logger.Verbosef = verboseLog.Printf
	return logger
}

func discardf(format string, args ...any) {}
