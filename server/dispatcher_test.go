package server

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/usbipd/device"
	"github.com/ardnew/usbipd/pkg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherSubmitCompletesNormally(t *testing.T) {
	var buf bytes.Buffer
	d := newDispatcher(&buf)
	defer d.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	d.Submit(context.Background(), 1,
		func(ctx context.Context) (*device.Completion, error) {
			return &device.Completion{Data: []byte{1, 2, 3}, Status: pkg.TransferStatusSuccess}, nil
		},
		func(c *device.Completion, err error) {
			defer wg.Done()
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, c.Data)
		})
	wg.Wait()
}

func TestDispatcherUnlinkBeforeCompletionCancels(t *testing.T) {
	var buf bytes.Buffer
	d := newDispatcher(&buf)
	defer d.Close()

	started := make(chan struct{})
	var onCompleteCalled bool
	var mu sync.Mutex

	d.Submit(context.Background(), 7,
		func(ctx context.Context) (*device.Completion, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		func(c *device.Completion, err error) {
			mu.Lock()
			onCompleteCalled = true
			mu.Unlock()
		})

	<-started
	found := d.Unlink(7)
	assert.True(t, found, "unlink should find the still-pending request")

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.False(t, onCompleteCalled, "a cancelled submit must not also emit RET_SUBMIT")
	mu.Unlock()
}

func TestDispatcherUnlinkAfterCompletionLosesRace(t *testing.T) {
	var buf bytes.Buffer
	d := newDispatcher(&buf)
	defer d.Close()

	done := make(chan struct{})
	d.Submit(context.Background(), 9,
		func(ctx context.Context) (*device.Completion, error) {
			return &device.Completion{Status: pkg.TransferStatusSuccess}, nil
		},
		func(c *device.Completion, err error) {
			close(done)
		})

	<-done
	found := d.Unlink(9)
	assert.False(t, found, "unlink arriving after completion must not find the seqnum")
}

func TestDispatcherUnknownSeqnumUnlink(t *testing.T) {
	var buf bytes.Buffer
	d := newDispatcher(&buf)
	defer d.Close()

	assert.False(t, d.Unlink(999))
}
