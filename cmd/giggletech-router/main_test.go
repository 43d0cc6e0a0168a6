package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

func TestWaitBounded_ReturnsGroupErrorBeforeShutdown(t *testing.T) {
	var g errgroup.Group
	boom := errors.New("bind failed")
	g.Go(func() error { return boom })

	err := waitBounded(context.Background(), &g, time.Second, discardLogger())
	assert.ErrorIs(t, err, boom)
}

func TestWaitBounded_CleanShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	cancel()
	err := waitBounded(ctx, g, time.Second, discardLogger())
	assert.NoError(t, err)
}

func TestWaitBounded_GivesUpOnStuckTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	stuck := make(chan struct{})
	defer close(stuck)
	g.Go(func() error {
		<-stuck
		return nil
	})

	cancel()
	start := time.Now()
	err := waitBounded(ctx, &g, 50*time.Millisecond, discardLogger())
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
