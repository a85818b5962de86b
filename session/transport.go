// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

// Transport carries protocol messages for one endpoint.
//
// Send and Recv never block: they return iox.ErrWouldBlock when the
// transport cannot make progress yet. Close ends this side's part of the
// current exchange.
type Transport interface {
	Send(v any) error
	Recv() (any, error)
	Close() error
}
