// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"code.hybscloud.com/kont"
)

// Send is the effect operation for sending a value of type T.
// Perform(Send[T]{Value: v}) sends v to the peer endpoint.
type Send[T any] struct {
	kont.Phantom[struct{}]
	Value T
}

// DispatchSession handles Send on the endpoint's transport.
func (s Send[T]) DispatchSession(ep *Endpoint) (kont.Resumed, error) {
	if err := ep.t.Send(s.Value); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// Recv is the effect operation for receiving a value of type T.
// A value of any other type fails the protocol with ErrProtocol.
type Recv[T any] struct {
	kont.Phantom[T]
}

// DispatchSession handles Recv on the endpoint's transport.
func (Recv[T]) DispatchSession(ep *Endpoint) (kont.Resumed, error) {
	v, err := ep.t.Recv()
	if err != nil {
		return nil, err
	}
	tv, ok := v.(T)
	if !ok {
		return nil, ErrProtocol
	}
	return tv, nil
}

// Close is the effect operation for ending this side of the session.
type Close struct {
	kont.Phantom[struct{}]
}

// DispatchSession handles Close on the endpoint's transport. Never blocks.
func (Close) DispatchSession(ep *Endpoint) (kont.Resumed, error) {
	if err := ep.t.Close(); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
