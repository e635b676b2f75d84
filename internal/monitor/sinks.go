// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

// Package monitor drives the live feed: it applies broadcast events to
// the item store, decides visibility, and issues render and notify
// commands to consumer-supplied sinks.
package monitor

import "github.com/tomtom215/notifeed/internal/models"

// RepositionTarget tells the render sink where a tile moves.
type RepositionTarget string

// Reposition targets.
const (
	ToTop           RepositionTarget = "top"
	ToPricePosition RepositionTarget = "price"
)

// RenderSink receives tile commands for the visible feed. Implemented
// by the display collaborator; calls arrive serialized, never
// concurrently.
type RenderSink interface {
	CreateOrUpdateTile(item *models.Item)
	RemoveTile(id string)
	RepositionTile(id string, target RepositionTarget)
}

// NotificationSink plays the arrival sound or raises an OS
// notification.
type NotificationSink interface {
	PlaySound(class models.Category)
	RaiseOSNotification(title, body, imageURL, clickPayload string)
}

// NopRenderSink discards all tile commands.
type NopRenderSink struct{}

func (NopRenderSink) CreateOrUpdateTile(*models.Item)         {}
func (NopRenderSink) RemoveTile(string)                       {}
func (NopRenderSink) RepositionTile(string, RepositionTarget) {}

// NopNotificationSink discards all notification commands.
type NopNotificationSink struct{}

func (NopNotificationSink) PlaySound(models.Category)             {}
func (NopNotificationSink) RaiseOSNotification(_, _, _, _ string) {}
