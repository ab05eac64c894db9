/*
 * Copyright (c) 2023 Zander Schwid & Co. LLC.
 * SPDX-License-Identifier: BUSL-1.1
 */

package fnclient

import (
	"errors"
)

var ErrStreamClosed = errors.New("stream closed")
var ErrSendClosed = errors.New("send side already closed")
var ErrUnexpectedStatus = errors.New("unexpected response status")
var ErrStreamNotReady = errors.New("stream not ready")
