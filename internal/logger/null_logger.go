package logger

import "github.com/sirupsen/logrus"

// NewNullLogger returns a Logger that drops everything. Components built
// without a logger use it, so they never have to nil check.
func NewNullLogger() Logger {
	return nullLogger{}
}

type nullLogger struct{}

func (n nullLogger) WithFields(map[string]interface{}) Logger { return n }
func (n nullLogger) WithField(string, interface{}) Logger     { return n }
func (n nullLogger) WithError(error) Logger                   { return n }

func (nullLogger) Debug(...interface{})             {}
func (nullLogger) Info(...interface{})              {}
func (nullLogger) Warn(...interface{})              {}
func (nullLogger) Error(...interface{})             {}
func (nullLogger) Log(logrus.Level, ...interface{}) {}
func (nullLogger) Debugf(string, ...interface{})    {}
func (nullLogger) Infof(string, ...interface{})     {}
func (nullLogger) Warnf(string, ...interface{})     {}
func (nullLogger) Errorf(string, ...interface{})    {}

// Fatal does not exit.
func (nullLogger) Fatal(...interface{}) {}
