// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"code.hybscloud.com/kont"

	"code.hybscloud.com/ipc/status"
)

var (
	// ErrClosed is returned when the peer closed and nothing is left to receive.
	ErrClosed = status.New("session", status.Down)
	// ErrProtocol is returned when a received value does not match the protocol.
	ErrProtocol = status.New("session", status.InvalidState)
)

// dispatcher is the structural interface for session operations.
// DispatchSession is non-blocking: it returns iox.ErrWouldBlock at
// the I/O boundary when the transport cannot make progress.
type dispatcher interface {
	DispatchSession(ep *Endpoint) (kont.Resumed, error)
}

// Endpoint is one side of a session over a Transport.
type Endpoint struct {
	t Transport
}

// NewEndpoint wraps t in an endpoint.
func NewEndpoint(t Transport) *Endpoint {
	return &Endpoint{t: t}
}

// Transport returns the endpoint's transport.
func (ep *Endpoint) Transport() Transport {
	return ep.t
}
