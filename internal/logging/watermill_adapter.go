// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package logging

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

// WatermillAdapter implements watermill.LoggerAdapter on top of zerolog,
// so the bus internals log through the same pipeline as everything else.
type WatermillAdapter struct {
	logger zerolog.Logger
}

// NewWatermillAdapter returns a watermill.LoggerAdapter backed by the
// global zerolog logger.
func NewWatermillAdapter() *WatermillAdapter {
	return &WatermillAdapter{logger: With("bus")}
}

// Error logs an error-level message.
func (a *WatermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	event := a.logger.Error().Err(err)
	addFields(event, fields).Msg(msg)
}

// Info logs an info-level message.
func (a *WatermillAdapter) Info(msg string, fields watermill.LogFields) {
	addFields(a.logger.Info(), fields).Msg(msg)
}

// Debug logs a debug-level message.
func (a *WatermillAdapter) Debug(msg string, fields watermill.LogFields) {
	addFields(a.logger.Debug(), fields).Msg(msg)
}

// Trace logs a trace-level message.
func (a *WatermillAdapter) Trace(msg string, fields watermill.LogFields) {
	addFields(a.logger.Trace(), fields).Msg(msg)
}

// With returns a logger that always attaches the given fields.
func (a *WatermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &WatermillAdapter{logger: ctx.Logger()}
}

func addFields(event *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}
