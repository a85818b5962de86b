// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ipc

import "code.hybscloud.com/ipc/status"

var (
	ErrInvalidArg    = status.New("ipc", status.InvalidArg)
	ErrNotFound      = status.New("ipc", status.NotFound)
	ErrAlreadyExists = status.New("ipc", status.AlreadyExists)
	ErrInvalidState  = status.New("ipc", status.InvalidState)
)
