package mavlink

import (
	"fmt"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

const (
	MSG_ID_HEARTBEAT           uint32 = 0
	MSG_ID_SET_MODE            uint32 = 11
	MSG_ID_PARAM_REQUEST_READ  uint32 = 20
	MSG_ID_PARAM_REQUEST_LIST  uint32 = 21
	MSG_ID_PARAM_VALUE         uint32 = 22
	MSG_ID_PARAM_SET           uint32 = 23
	MSG_ID_REQUEST_DATA_STREAM uint32 = 66
	MSG_ID_COMMAND_LONG        uint32 = 76
	MSG_ID_COMMAND_ACK         uint32 = 77
	MSG_ID_STATUSTEXT          uint32 = 253
)

// Messages the relay speaks, typed by gomavlib common dialect.
// Dialects including common decode into the same types.
type (
	Message           = message.Message
	Raw               = message.MessageRaw
	Heartbeat         = common.MessageHeartbeat
	SetMode           = common.MessageSetMode
	ParamRequestRead  = common.MessageParamRequestRead
	ParamRequestList  = common.MessageParamRequestList
	ParamValue        = common.MessageParamValue
	ParamSet          = common.MessageParamSet
	RequestDataStream = common.MessageRequestDataStream
	CommandLong       = common.MessageCommandLong
	CommandAck        = common.MessageCommandAck
	Statustext        = common.MessageStatustext

	ParamType = common.MAV_PARAM_TYPE
	MavType   = common.MAV_TYPE
	Autopilot = common.MAV_AUTOPILOT
	ModeFlag  = common.MAV_MODE_FLAG
	Severity  = common.MAV_SEVERITY
	Command   = common.MAV_CMD
)

const (
	MAV_MODE_FLAG_CUSTOM_MODE_ENABLED = common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED
	MAV_MODE_FLAG_SAFETY_ARMED        = common.MAV_MODE_FLAG_SAFETY_ARMED

	MAV_STATE_ACTIVE = common.MAV_STATE_ACTIVE

	// REQUEST_DATA_STREAM carries stream id as plain uint8.
	MAV_DATA_STREAM_ALL = uint8(common.MAV_DATA_STREAM_ALL)

	MAV_CMD_COMPONENT_ARM_DISARM = common.MAV_CMD_COMPONENT_ARM_DISARM
	MAV_CMD_PREFLIGHT_REBOOT     = common.MAV_CMD_PREFLIGHT_REBOOT_SHUTDOWN

	MAV_PARAM_TYPE_UINT8  = common.MAV_PARAM_TYPE_UINT8
	MAV_PARAM_TYPE_INT8   = common.MAV_PARAM_TYPE_INT8
	MAV_PARAM_TYPE_UINT16 = common.MAV_PARAM_TYPE_UINT16
	MAV_PARAM_TYPE_INT16  = common.MAV_PARAM_TYPE_INT16
	MAV_PARAM_TYPE_UINT32 = common.MAV_PARAM_TYPE_UINT32
	MAV_PARAM_TYPE_INT32  = common.MAV_PARAM_TYPE_INT32
	MAV_PARAM_TYPE_UINT64 = common.MAV_PARAM_TYPE_UINT64
	MAV_PARAM_TYPE_INT64  = common.MAV_PARAM_TYPE_INT64
	MAV_PARAM_TYPE_REAL32 = common.MAV_PARAM_TYPE_REAL32
	MAV_PARAM_TYPE_REAL64 = common.MAV_PARAM_TYPE_REAL64

	MAV_TYPE_GENERIC    = common.MAV_TYPE_GENERIC
	MAV_TYPE_FIXED_WING = common.MAV_TYPE_FIXED_WING
	MAV_TYPE_QUADROTOR  = common.MAV_TYPE_QUADROTOR
	MAV_TYPE_GCS        = common.MAV_TYPE_GCS

	MAV_AUTOPILOT_GENERIC       = common.MAV_AUTOPILOT_GENERIC
	MAV_AUTOPILOT_ARDUPILOTMEGA = common.MAV_AUTOPILOT_ARDUPILOTMEGA
	MAV_AUTOPILOT_INVALID       = common.MAV_AUTOPILOT_INVALID
	MAV_AUTOPILOT_PX4           = common.MAV_AUTOPILOT_PX4

	MAV_SEVERITY_INFO = common.MAV_SEVERITY_INFO
)

// CustomModeSet is SET_MODE base mode requesting CustomMode.
const CustomModeSet = common.MAV_MODE(MAV_MODE_FLAG_CUSTOM_MODE_ENABLED)

func Armed(m *Heartbeat) bool { return m.BaseMode&MAV_MODE_FLAG_SAFETY_ARMED != 0 }

// SetTarget fills target ids of messages addressed to a specific system/component.
// Returns false for broadcast messages.
func SetTarget(m Message, system, component uint8) bool {
	switch t := m.(type) {
	case *SetMode:
		t.TargetSystem = system
	case *ParamRequestRead:
		t.TargetSystem, t.TargetComponent = system, component
	case *ParamRequestList:
		t.TargetSystem, t.TargetComponent = system, component
	case *ParamSet:
		t.TargetSystem, t.TargetComponent = system, component
	case *RequestDataStream:
		t.TargetSystem, t.TargetComponent = system, component
	case *CommandLong:
		t.TargetSystem, t.TargetComponent = system, component
	default:
		return false
	}
	return true
}

// MessageName is MAVLink name of message id as known by loaded dialects.
func MessageName(id uint32) string {
	_, _ = dialectRW("")
	rwCache.Lock()
	name, ok := rwCache.names[id]
	rwCache.Unlock()
	if ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", id)
}
