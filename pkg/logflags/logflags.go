// Package logflags turns the --log-output flag into per-component logrus
// loggers. A component whose flag is off gets a logger pinned above every
// level it emits at, so call sites never need to check the gate.
package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	unwind   = false
	stack    = false
	minidump = false
	pdata    = false
	target   = false
)

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Unwind returns true if the frame unwinder should log each step.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for the frame unwinder.
func UnwindLogger() *logrus.Entry {
	return makeLogger(unwind, logrus.Fields{"layer": "unwind"})
}

// Stack returns true if the stack walker should log its walk policy
// decisions.
func Stack() bool {
	return stack
}

// StackLogger returns a logger for the stack walker.
func StackLogger() *logrus.Entry {
	return makeLogger(stack, logrus.Fields{"layer": "proc", "kind": "stack"})
}

// Minidump returns true if the minidump loader should be logged.
func Minidump() bool {
	return minidump
}

// MinidumpLogger returns a logger for the minidump loader.
func MinidumpLogger() *logrus.Entry {
	return makeLogger(minidump, logrus.Fields{"layer": "core", "kind": "minidump"})
}

// Pdata returns true if function table and unwind info decoding should be
// logged.
func Pdata() bool {
	return pdata
}

// PdataLogger returns a logger for function table loading.
func PdataLogger() *logrus.Entry {
	return makeLogger(pdata, logrus.Fields{"layer": "pdata"})
}

// Target returns true if target construction (dump open, attach) should be
// logged.
func Target() bool {
	return target
}

// TargetLogger returns a logger for target construction.
func TargetLogger() *logrus.Entry {
	return makeLogger(target, logrus.Fields{"layer": "target"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component log flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "stack"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "unwind":
			unwind = true
		case "stack":
			stack = true
		case "minidump":
			minidump = true
		case "pdata":
			pdata = true
		case "target":
			target = true
		default:
			return errors.New("invalid log component " + logcmd)
		}
	}
	return nil
}
