// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mount

import (
	"context"
	"fmt"
	"slices"

	"github.com/bureau-foundation/wormhole/lib/wire"
)

// call is one request to the host. done runs on the actor goroutine
// with the outcome.
type call struct {
	request    wire.Message
	background bool
	launched   bool
	done       func(response wire.Message, err error)
}

type completion struct {
	call     *call
	response wire.Message
	err      error
}

// issue queues c until a slot is free.
func (a *Actor) issue(c *call) {
	if c.background {
		a.waitingBackground = append(a.waitingBackground, c)
	} else {
		a.waitingForeground = append(a.waitingForeground, c)
	}
}

// promote moves a queued background call to the foreground queue.
func (a *Actor) promote(c *call) {
	if c.launched || !c.background {
		return
	}
	if index := slices.Index(a.waitingBackground, c); index >= 0 {
		a.waitingBackground = slices.Delete(a.waitingBackground, index, index+1)
	}
	c.background = false
	a.waitingForeground = append(a.waitingForeground, c)
}

// launch starts queued calls while slots remain. Background calls
// wait while any foreground call is queued and may hold at most half
// of the slots.
func (a *Actor) launch() {
	for len(a.waitingForeground) > 0 && a.inflight < a.maxInflight {
		c := a.waitingForeground[0]
		a.waitingForeground[0] = nil
		a.waitingForeground = a.waitingForeground[1:]
		a.send(c)
	}
	for len(a.waitingForeground) == 0 && len(a.waitingBackground) > 0 &&
		a.inflight < a.maxInflight && a.backgroundInflight < a.maxInflight/2 {
		c := a.waitingBackground[0]
		a.waitingBackground[0] = nil
		a.waitingBackground = a.waitingBackground[1:]
		a.send(c)
	}
}

func (a *Actor) send(c *call) {
	c.launched = true
	a.inflight++
	if c.background {
		a.backgroundInflight++
	}
	stale := a.stale
	go func() {
		var response wire.Message
		err := ErrStale
		if !stale {
			ctx, cancel := context.WithTimeout(a.ctx, a.callTimeout)
			response, err = a.caller.Call(ctx, c.request)
			cancel()
		}
		select {
		case a.completions <- completion{call: c, response: response, err: err}:
		case <-a.ctx.Done():
		}
	}()
}

func (a *Actor) complete(done completion) {
	a.inflight--
	if done.call.background {
		a.backgroundInflight--
	}
	if done.err != nil {
		a.logger.Debug("host call failed", "kind", done.call.request.Kind(), "error", done.err)
	}
	done.call.done(done.response, done.err)
}

// expect asserts the response type of a successful call.
func expect[T wire.Message](response wire.Message) (T, error) {
	typed, ok := response.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected %T response from host, want %T", response, zero)
	}
	return typed, nil
}

// codeOf is wire.CodeOf for errors that may be nil.
func codeOf(err error) wire.ErrorCode {
	if err == nil {
		return 0
	}
	return wire.CodeOf(err)
}
