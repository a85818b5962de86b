// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package session runs typed request/response protocols as algebraic
// effects on [code.hybscloud.com/kont].
//
// A protocol is a [kont.Eff] built from typed operations. It is evaluated
// against an [Endpoint], which dispatches each operation on a [Transport].
//
// # Architecture
//
//   - Transport: any non-blocking message carrier. [NewEndpoint] wraps
//     one, such as a shared memory mailbox between processors.
//   - Non-blocking: operations return [code.hybscloud.com/iox.ErrWouldBlock]
//     on backpressure. Any other transport error ends the protocol.
//   - Error handling: error effects from kont short-circuit, returning
//     [kont.Either].
//
// # API
//
//   - Operations: [Send], [Recv], [Close].
//   - Fused forms: [SendThen], [RecvBind], [CloseDone]; one request/reply
//     exchange as [Call] (requester) and [Serve] (responder). Recursion:
//     [Loop].
//   - Stepping: [Step] and [Advance] (or [StepError]/[AdvanceError])
//     evaluate one effect at a time. [Drive] and [DriveError] loop over
//     them and call back between steps, so callers wait on their own
//     readiness signal, such as a notify event.
//
// # Example
//
//	client := session.Call(req, func(r Reply) kont.Eff[Reply] {
//		return session.CloseDone(r)
//	})
//	reply, err := session.Drive(ep, client, waitForEvent)
package session
