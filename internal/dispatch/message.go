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
	"bytes"
	"fmt"

	"github.com/HewlettPackard/structex"
)

// MsgID is the first field every command payload switches on.
type MsgID uint16

// Host and service-processor commands.
const (
	MsgEcho MsgID = 0x0001

	MsgGetModuleManufacturer     MsgID = 0x0100
	MsgGetModulePartNumber       MsgID = 0x0101
	MsgGetModuleSerialNumber     MsgID = 0x0102
	MsgGetModuleFirmwareRevision MsgID = 0x0103
	MsgGetModuleMemorySize       MsgID = 0x0104

	MsgFirmwareUpdate      MsgID = 0x0200
	MsgGetFirmwareVersion  MsgID = 0x0201
	MsgFirmwareActivate    MsgID = 0x0202
	MsgGetFirmwareBootInfo MsgID = 0x0203

	MsgGetModuleTemperature MsgID = 0x0300
	MsgGetModulePower       MsgID = 0x0301
	MsgSetPowerState        MsgID = 0x0302
	MsgGetPowerState        MsgID = 0x0303
	MsgSetThermalThreshold  MsgID = 0x0304

	MsgGetLinkSpeed MsgID = 0x0400
	MsgResetLink    MsgID = 0x0401

	MsgSetErrorThreshold MsgID = 0x0500
	MsgGetErrorCount     MsgID = 0x0501

	MsgGetMaxTemperature MsgID = 0x0600
	MsgGetMaxPower       MsgID = 0x0601

	MsgGetMinionErrorCount MsgID = 0x0700

	MsgGetPerformanceStats MsgID = 0x0800

	MsgDeviceErrorEvent MsgID = 0x0900

	MsgTraceConfigure  MsgID = 0x0A00
	MsgTraceRunControl MsgID = 0x0A01
)

// Minion firmware commands and events.
const (
	MsgMinionEcho               MsgID = 0x1000
	MsgMinionGetActiveShireMask MsgID = 0x1001
	MsgMinionGetBootFrequency   MsgID = 0x1002

	MsgMinionHeartbeat   MsgID = 0x1100
	MsgMinionReportError MsgID = 0x1101
)

func (id MsgID) String() string {
	switch id {
	case MsgEcho:
		return "Echo"
	case MsgGetModuleManufacturer:
		return "GetModuleManufacturer"
	case MsgGetModulePartNumber:
		return "GetModulePartNumber"
	case MsgGetModuleSerialNumber:
		return "GetModuleSerialNumber"
	case MsgGetModuleFirmwareRevision:
		return "GetModuleFirmwareRevision"
	case MsgGetModuleMemorySize:
		return "GetModuleMemorySize"
	case MsgFirmwareUpdate:
		return "FirmwareUpdate"
	case MsgGetFirmwareVersion:
		return "GetFirmwareVersion"
	case MsgFirmwareActivate:
		return "FirmwareActivate"
	case MsgGetFirmwareBootInfo:
		return "GetFirmwareBootInfo"
	case MsgGetModuleTemperature:
		return "GetModuleTemperature"
	case MsgGetModulePower:
		return "GetModulePower"
	case MsgSetPowerState:
		return "SetPowerState"
	case MsgGetPowerState:
		return "GetPowerState"
	case MsgSetThermalThreshold:
		return "SetThermalThreshold"
	case MsgGetLinkSpeed:
		return "GetLinkSpeed"
	case MsgResetLink:
		return "ResetLink"
	case MsgSetErrorThreshold:
		return "SetErrorThreshold"
	case MsgGetErrorCount:
		return "GetErrorCount"
	case MsgGetMaxTemperature:
		return "GetMaxTemperature"
	case MsgGetMaxPower:
		return "GetMaxPower"
	case MsgGetMinionErrorCount:
		return "GetMinionErrorCount"
	case MsgGetPerformanceStats:
		return "GetPerformanceStats"
	case MsgDeviceErrorEvent:
		return "DeviceErrorEvent"
	case MsgTraceConfigure:
		return "TraceConfigure"
	case MsgTraceRunControl:
		return "TraceRunControl"
	case MsgMinionEcho:
		return "MinionEcho"
	case MsgMinionGetActiveShireMask:
		return "MinionGetActiveShireMask"
	case MsgMinionGetBootFrequency:
		return "MinionGetBootFrequency"
	case MsgMinionHeartbeat:
		return "MinionHeartbeat"
	case MsgMinionReportError:
		return "MinionReportError"
	}
	return fmt.Sprintf("MsgID(%#04x)", uint16(id))
}

// Group is a set of message IDs served by one handler.
type Group uint8

const (
	GroupUnknown Group = iota
	GroupEcho
	GroupAssetTracking
	GroupFirmwareService
	GroupThermalPower
	GroupLinkManagement
	GroupErrorControl
	GroupHistoricalExtreme
	GroupMinionErrorCount
	GroupPerformance
	GroupDeviceErrorEvent
	GroupTrace
	GroupMinionCommand
	GroupMinionEvent
)

func (g Group) String() string {
	switch g {
	case GroupEcho:
		return "echo"
	case GroupAssetTracking:
		return "asset-tracking"
	case GroupFirmwareService:
		return "firmware-service"
	case GroupThermalPower:
		return "thermal-power"
	case GroupLinkManagement:
		return "link-management"
	case GroupErrorControl:
		return "error-control"
	case GroupHistoricalExtreme:
		return "historical-extreme"
	case GroupMinionErrorCount:
		return "minion-error-count"
	case GroupPerformance:
		return "performance"
	case GroupDeviceErrorEvent:
		return "device-error-event"
	case GroupTrace:
		return "trace"
	case GroupMinionCommand:
		return "minion-command"
	case GroupMinionEvent:
		return "minion-event"
	default:
		return "unknown"
	}
}

// groups is the static classification of every known message ID.
var groups = map[MsgID]Group{
	MsgEcho: GroupEcho,

	MsgGetModuleManufacturer:     GroupAssetTracking,
	MsgGetModulePartNumber:       GroupAssetTracking,
	MsgGetModuleSerialNumber:     GroupAssetTracking,
	MsgGetModuleFirmwareRevision: GroupAssetTracking,
	MsgGetModuleMemorySize:       GroupAssetTracking,

	MsgFirmwareUpdate:      GroupFirmwareService,
	MsgGetFirmwareVersion:  GroupFirmwareService,
	MsgFirmwareActivate:    GroupFirmwareService,
	MsgGetFirmwareBootInfo: GroupFirmwareService,

	MsgGetModuleTemperature: GroupThermalPower,
	MsgGetModulePower:       GroupThermalPower,
	MsgSetPowerState:        GroupThermalPower,
	MsgGetPowerState:        GroupThermalPower,
	MsgSetThermalThreshold:  GroupThermalPower,

	MsgGetLinkSpeed: GroupLinkManagement,
	MsgResetLink:    GroupLinkManagement,

	MsgSetErrorThreshold: GroupErrorControl,
	MsgGetErrorCount:     GroupErrorControl,

	MsgGetMaxTemperature: GroupHistoricalExtreme,
	MsgGetMaxPower:       GroupHistoricalExtreme,

	MsgGetMinionErrorCount: GroupMinionErrorCount,

	MsgGetPerformanceStats: GroupPerformance,

	MsgDeviceErrorEvent: GroupDeviceErrorEvent,

	MsgTraceConfigure:  GroupTrace,
	MsgTraceRunControl: GroupTrace,

	MsgMinionEcho:               GroupMinionCommand,
	MsgMinionGetActiveShireMask: GroupMinionCommand,
	MsgMinionGetBootFrequency:   GroupMinionCommand,

	MsgMinionHeartbeat:   GroupMinionEvent,
	MsgMinionReportError: GroupMinionEvent,
}

// GroupOf returns the handler group of id.
func GroupOf(id MsgID) (Group, bool) {
	g, ok := groups[id]
	return g, ok
}

// HeaderSize is the encoded size of RequestHeader and ResponseHeader.
const HeaderSize = 8

// FlagNoResponse marks a request, typically an event, that must not be
// answered.
const FlagNoResponse uint32 = 1 << 0

// RequestHeader starts every request payload.
type RequestHeader struct {
	TagID uint16
	MsgID uint16
	Flags uint32
}

// ResponseHeader starts every response payload. Status carries a
// google.golang.org/grpc/codes value.
type ResponseHeader struct {
	TagID  uint16
	MsgID  uint16
	Status uint32
}

type EchoRequest struct {
	Payload uint32
}

type EchoResponse struct {
	Payload uint32
}

// AssetString answers the string-valued asset tracking commands.
type AssetString struct {
	Value [32]byte
}

// String returns Value up to its first NUL.
func (a AssetString) String() string {
	if i := bytes.IndexByte(a.Value[:], 0); i >= 0 {
		return string(a.Value[:i])
	}
	return string(a.Value[:])
}

type MemorySize struct {
	MegaBytes uint32
}

type ActiveShireMask struct {
	Mask uint64
}

type BootFrequency struct {
	MegaHertz uint32
}

// Heartbeat is sent periodically by minion firmware without expecting a
// response.
type Heartbeat struct {
	Sequence uint32
	Reserved uint32
	UptimeMs uint64
}

// ErrorReport is raised by minion firmware for errors it handled itself.
type ErrorReport struct {
	ErrorType uint16
	Reserved  uint16
	ErrorCode uint32
}

// EncodeRequest serializes h followed by body. body may be nil, a []byte
// copied as is, or a structex-annotated struct.
func EncodeRequest(h RequestHeader, body interface{}) ([]byte, error) {
	return encode(&h, body)
}

// EncodeResponse serializes h followed by body, as EncodeRequest.
func EncodeResponse(h ResponseHeader, body interface{}) ([]byte, error) {
	return encode(&h, body)
}

// DecodeRequest splits a request frame into its header and body.
func DecodeRequest(b []byte) (RequestHeader, []byte, error) {
	var h RequestHeader
	body, err := decodeHeader(b, &h)
	return h, body, err
}

// DecodeResponse splits a response frame into its header and body.
func DecodeResponse(b []byte) (ResponseHeader, []byte, error) {
	var h ResponseHeader
	body, err := decodeHeader(b, &h)
	return h, body, err
}

// DecodeBody decodes a command body into v, which is nil, a *[]byte or a
// pointer to a structex-annotated struct.
func DecodeBody(body []byte, v interface{}) error {
	switch out := v.(type) {
	case nil:
		return nil
	case *[]byte:
		*out = append((*out)[:0], body...)
		return nil
	}

	size, err := structex.Size(v)
	if err != nil {
		return err
	}
	if uint64(len(body)) < size {
		return fmt.Errorf("%w: body of %d bytes, %T needs %d", ErrShortMessage, len(body), v, size)
	}
	return structex.DecodeByteBuffer(bytes.NewBuffer(body), v)
}

func encode(hdr interface{}, body interface{}) ([]byte, error) {
	b, err := structex.EncodeByteBuffer(hdr)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	switch p := body.(type) {
	case nil:
		return b, nil
	case []byte:
		return append(b, p...), nil
	}
	pb, err := structex.EncodeByteBuffer(body)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", body, err)
	}
	return append(b, pb...), nil
}

func decodeHeader(b []byte, h interface{}) ([]byte, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrShortMessage, len(b), HeaderSize)
	}
	if err := structex.DecodeByteBuffer(bytes.NewBuffer(b[:HeaderSize]), h); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return b[HeaderSize:], nil
}
