// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iwsock

import (
	"errors"
	"time"

	"gvisor.dev/iwsock/pkg/log"
	"gvisor.dev/iwsock/pkg/metric"
	"gvisor.dev/iwsock/pkg/syserr"
)

var (
	socketsOpened = metric.MustCreateNewUint64Metric("/iwsock/sockets_opened", "Number of sockets opened.",
		metric.NewField("kind", "user", "privileged", "accepted"))
	socketsOpen = metric.MustCreateNewUint64Gauge("/iwsock/sockets_open", "Number of sockets not yet destroyed.")
	connections = metric.MustCreateNewUint64Metric("/iwsock/connections", "Connect attempts by result.",
		metric.NewField("result", "ok", "refused", "busy", "timeout", "interrupted", "error"))
	bytesSent     = metric.MustCreateNewUint64Metric("/iwsock/bytes_sent", "Bytes written into rings.")
	bytesReceived = metric.MustCreateNewUint64Metric("/iwsock/bytes_received", "Bytes read from rings.")
	resets        = metric.MustCreateNewUint64Metric("/iwsock/resets", "Operations failed because the peer closed.")
	peerErrors    = metric.MustCreateNewUint64Metric("/iwsock/peer_errors", "Inconsistent shared state written by a peer.")
	regionPages   = metric.MustCreateNewUint64Gauge("/iwsock/region_pages", "Pages held by live socket regions.")
)

// peerLog reports peer misbehaviour. The peer controls how often that
// happens, so it is rate limited.
var peerLog = log.BasicRateLimitedLogger(time.Second)

// connectResult maps a connect error to its metric field.
func connectResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, syserr.ErrConnectionRefused):
		return "refused"
	case errors.Is(err, syserr.ErrTryAgain):
		return "busy"
	case errors.Is(err, syserr.ErrTimedOut):
		return "timeout"
	case errors.Is(err, syserr.ErrInterrupted):
		return "interrupted"
	default:
		return "error"
	}
}
