/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/etsoc/ipclink/internal/metrics"
)

// Echo returns the request body unchanged.
func Echo() Handler {
	return HandlerFunc(func(_ context.Context, req *Request) (interface{}, error) {
		return req.Body, nil
	})
}

// AssetInfo is the module identity served to asset tracking queries.
type AssetInfo struct {
	Manufacturer     string
	PartNumber       string
	SerialNumber     string
	FirmwareRevision string
	MemorySizeMB     uint32
}

// AssetTracker answers the asset tracking group from info.
func AssetTracker(info AssetInfo) Handler {
	return HandlerFunc(func(_ context.Context, req *Request) (interface{}, error) {
		switch req.ID {
		case MsgGetModuleManufacturer:
			return NewAssetString(info.Manufacturer), nil
		case MsgGetModulePartNumber:
			return NewAssetString(info.PartNumber), nil
		case MsgGetModuleSerialNumber:
			return NewAssetString(info.SerialNumber), nil
		case MsgGetModuleFirmwareRevision:
			return NewAssetString(info.FirmwareRevision), nil
		case MsgGetModuleMemorySize:
			return &MemorySize{MegaBytes: info.MemorySizeMB}, nil
		}
		return nil, status.Errorf(codes.Unimplemented, "%v", req.ID)
	})
}

// NewAssetString truncates s to the fixed wire width.
func NewAssetString(s string) *AssetString {
	a := &AssetString{}
	copy(a.Value[:len(a.Value)-1], s)
	return a
}

// MinionInfo is what the minion command group reports.
type MinionInfo struct {
	ActiveShireMask  uint64
	BootFrequencyMHz uint32
}

// MinionCommands serves the minion command group.
func MinionCommands(info MinionInfo) Handler {
	return HandlerFunc(func(_ context.Context, req *Request) (interface{}, error) {
		switch req.ID {
		case MsgMinionEcho:
			return req.Body, nil
		case MsgMinionGetActiveShireMask:
			return &ActiveShireMask{Mask: info.ActiveShireMask}, nil
		case MsgMinionGetBootFrequency:
			return &BootFrequency{MegaHertz: info.BootFrequencyMHz}, nil
		}
		return nil, status.Errorf(codes.Unimplemented, "%v", req.ID)
	})
}

// MinionEvents records the unsolicited events minions push: heartbeats and
// error reports.
type MinionEvents struct {
	log logr.Logger

	mu       sync.Mutex
	last     time.Time
	sequence uint32
	reports  []ErrorReport
}

func NewMinionEvents(log logr.Logger) *MinionEvents {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &MinionEvents{log: log.WithName("minion-events")}
}

func (m *MinionEvents) ServeMessage(_ context.Context, req *Request) (interface{}, error) {
	switch req.ID {
	case MsgMinionHeartbeat:
		var hb Heartbeat
		if err := req.Decode(&hb); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.last = req.Received
		m.sequence = hb.Sequence
		m.mu.Unlock()
		metrics.Heartbeat.WithLabelValues(req.Link).Set(float64(req.Received.UnixNano()) / 1e9)
		m.log.V(1).Info("Heartbeat", "link", req.Link, "sequence", hb.Sequence, "uptimeMs", hb.UptimeMs)

	case MsgMinionReportError:
		var rep ErrorReport
		if err := req.Decode(&rep); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.reports = append(m.reports, rep)
		m.mu.Unlock()
		m.log.Info("Minion reported error", "link", req.Link, "type", rep.ErrorType, "code", rep.ErrorCode)

	default:
		return nil, status.Errorf(codes.Unimplemented, "%v", req.ID)
	}
	return nil, nil
}

// LastHeartbeat returns when the last heartbeat arrived and its sequence.
func (m *MinionEvents) LastHeartbeat() (time.Time, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.sequence
}

// ErrorReports returns a copy of the reports received so far.
func (m *MinionEvents) ErrorReports() []ErrorReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorReport(nil), m.reports...)
}
