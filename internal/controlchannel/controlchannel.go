// Package controlchannel provides the exclusion-guarded, triple-timeout
// transport handle every call into bitaxe-raw's control channel goes
// through: a 2s timeout to acquire the lock, a 1s timeout to write the
// request, and a 1s timeout to read the response. Call adds a 500ms
// outer timeout around a whole call; the board's reset-line GPIO calls,
// the monitoring loop and the backplane's voltage commands go through
// it, while board bring-up and shutdown call the fan and regulator
// drivers directly, bounded only by the inner timeouts and their context.
package controlchannel

import (
	"context"
	"io"
	"time"

	"mujina-miner/internal/bitaxeraw"
	"mujina-miner/internal/merrors"
)

const (
	lockTimeout  = 2 * time.Second
	writeTimeout = 1 * time.Second
	readTimeout  = 1 * time.Second

	// OuterTimeout is the system-wide deadline every I2C/GPIO call made
	// anywhere outside this package must additionally enforce.
	OuterTimeout = 500 * time.Millisecond
)

// Transport is the minimal duplex the channel is built on: a framed
// bitaxe-raw request written out, a framed response read back.
type Transport interface {
	io.Writer
	io.Reader
}

// Channel serializes access to a bitaxe-raw control-channel transport
// behind a mutex with its own acquire timeout, and enforces write/read
// timeouts on every exchange.
type Channel struct {
	transport Transport
	sem       chan struct{} // 1-buffered, acts as a mutex with a timed acquire
	ids       bitaxeraw.IDSequence
}

// New wraps transport in an exclusion-guarded control channel.
func New(transport Transport) *Channel {
	c := &Channel{transport: transport, sem: make(chan struct{}, 1)}
	c.sem <- struct{}{}
	return c
}

func (c *Channel) acquire(ctx context.Context) error {
	select {
	case <-c.sem:
		return nil
	case <-time.After(lockTimeout):
		return merrors.Timeout("controlchannel.acquire", merrors.ErrLockTimeout)
	case <-ctx.Done():
		return merrors.Timeout("controlchannel.acquire", ctx.Err())
	}
}

func (c *Channel) release() {
	c.sem <- struct{}{}
}

// Exchange sends req and returns the correlated response, holding the
// channel's exclusion primitive for the duration. It does not apply the
// system-wide outer timeout -- use Call for that.
func (c *Channel) Exchange(ctx context.Context, req bitaxeraw.Request) (bitaxeraw.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return bitaxeraw.Response{}, err
	}
	defer c.release()

	if err := c.write(req.Encode()); err != nil {
		return bitaxeraw.Response{}, err
	}

	buf, err := c.read()
	if err != nil {
		return bitaxeraw.Response{}, err
	}

	resp, err := bitaxeraw.DecodeResponse(buf)
	if err != nil {
		return bitaxeraw.Response{}, err
	}
	if err := bitaxeraw.Correlate(req, resp); err != nil {
		return bitaxeraw.Response{}, err
	}
	return resp, nil
}

func (c *Channel) write(frame []byte) error {
	done := make(chan error, 1)
	go func() { _, err := c.transport.Write(frame); done <- err }()

	select {
	case err := <-done:
		if err != nil {
			return merrors.Transport("controlchannel.write", err)
		}
		return nil
	case <-time.After(writeTimeout):
		return merrors.Timeout("controlchannel.write", merrors.ErrWriteTimeout)
	}
}

// maxResponseLen bounds a single read; bitaxe-raw responses are small
// framed packets, never a bulk transfer.
const maxResponseLen = 256

func (c *Channel) read() ([]byte, error) {
	buf := make([]byte, maxResponseLen)
	done := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		n, err := c.transport.Read(buf)
		done <- struct {
			n   int
			err error
		}{n, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, merrors.Transport("controlchannel.read", r.err)
		}
		return buf[:r.n], nil
	case <-time.After(readTimeout):
		return nil, merrors.Timeout("controlchannel.read", merrors.ErrReadTimeout)
	}
}

// NextID returns the next request id from the channel's id sequence.
// Callers build the Request with it before calling Exchange.
func (c *Channel) NextID() byte {
	return c.ids.Next()
}

// Call wraps fn (typically a Channel.Exchange invocation, or a sequence
// of them) in the system-wide 500ms outer timeout every I2C/GPIO call
// must observe, so a hung transport surfaces as a warning rather than
// blocking a caller forever.
func Call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, OuterTimeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, merrors.Timeout("controlchannel.call", merrors.ErrOuterTimeout)
	}
}
