// Notifeed - Coordinated Live Notification Feed
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/notifeed

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/notifeed/internal/logging"
)

type countingService struct {
	name   string
	starts atomic.Int32
	fail   atomic.Bool
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	if s.fail.Swap(false) {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{})
	svc := &countingService{name: "svc"}
	tree.AddMessagingService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.starts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.starts.Load() == 0 {
		t.Fatal("service never started")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop after cancel")
	}
}

func TestTreeRestartsFailedService(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), TreeConfig{FailureBackoff: 10 * time.Millisecond})
	svc := &countingService{name: "flaky"}
	svc.fail.Store(true)
	tree.AddAPIService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for svc.starts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if svc.starts.Load() < 2 {
		t.Fatal("service was not restarted after failure")
	}

	cancel()
	<-done
}
