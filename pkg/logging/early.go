package logging

import (
	"fmt"
	"io"
	"os"
)

// EarlyLog writes plain lines before the structured logger exists.
type EarlyLog struct {
	out  io.Writer
	err  io.Writer
	exit func(code int)
}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{out: os.Stdout, err: os.Stderr, exit: os.Exit}
}

func (l *EarlyLog) Fatal(msg string, args ...interface{}) {
	fmt.Fprintf(l.err, "FATAL: "+msg+"\n", args...)
	l.exit(1)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	fmt.Fprintf(l.err, "WARN: "+msg+"\n", args...)
}

func (l *EarlyLog) Info(msg string, args ...interface{}) {
	fmt.Fprintf(l.out, "INFO: "+msg+"\n", args...)
}
