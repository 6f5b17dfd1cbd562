package types

import "time"

// BeamlineDefinition is the content of one beamline definition file.
type BeamlineDefinition struct {
	Beamline    string                   `yaml:"beamline" json:"beamline"`
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Modbus      []ModbusDeviceDefinition `yaml:"modbus,omitempty" json:"modbus,omitempty"`
	Signals     []SignalDefinition       `yaml:"signals" json:"signals"`
	Positioners []PositionerDefinition   `yaml:"positioners,omitempty" json:"positioners,omitempty"`
}

type ModbusDeviceDefinition struct {
	Name         string               `yaml:"name" json:"name"`
	Address      string               `yaml:"address" json:"address"`
	UnitID       int                  `yaml:"unit_id" json:"unit_id"`
	Timeout      time.Duration        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PollInterval time.Duration        `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	Registers    []RegisterDefinition `yaml:"registers" json:"registers"`
}

type RegisterDefinition struct {
	Name        string       `yaml:"name" json:"name"`
	Address     uint16       `yaml:"address" json:"address"`
	Type        RegisterType `yaml:"type" json:"type"`
	DataType    DataType     `yaml:"data_type" json:"data_type"`
	ScaleFactor float64      `yaml:"scale_factor,omitempty" json:"scale_factor,omitempty"`
	Unit        string       `yaml:"unit,omitempty" json:"unit,omitempty"`
	Access      AccessType   `yaml:"access" json:"access"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
}

type RegisterType string

const (
	RegisterTypeCoil            RegisterType = "coil"
	RegisterTypeDiscreteInput   RegisterType = "discrete_input"
	RegisterTypeInputRegister   RegisterType = "input_register"
	RegisterTypeHoldingRegister RegisterType = "holding_register"
)

type DataType string

const (
	DataTypeBool    DataType = "bool"
	DataTypeInt16   DataType = "int16"
	DataTypeUint16  DataType = "uint16"
	DataTypeInt32   DataType = "int32"
	DataTypeUint32  DataType = "uint32"
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat64 DataType = "float64"
)

type AccessType string

const (
	AccessTypeReadOnly  AccessType = "read_only"
	AccessTypeReadWrite AccessType = "read_write"
)

type SignalKind string

const (
	SignalKindSoft    SignalKind = "soft"
	SignalKindModbus  SignalKind = "modbus"
	SignalKindMQTT    SignalKind = "mqtt"
	SignalKindDerived SignalKind = "derived"
)

// SignalDefinition describes one channel. Which fields apply depends
// on Kind.
type SignalDefinition struct {
	Name         string        `yaml:"name" json:"name"`
	Kind         SignalKind    `yaml:"kind" json:"kind"`
	Initial      any           `yaml:"initial,omitempty" json:"initial,omitempty"`
	PutDelay     time.Duration `yaml:"put_delay,omitempty" json:"put_delay,omitempty"`
	TriggerValue any           `yaml:"trigger_value,omitempty" json:"trigger_value,omitempty"`
	ReadOnly     bool          `yaml:"read_only,omitempty" json:"read_only,omitempty"`

	// modbus
	Device   string `yaml:"device,omitempty" json:"device,omitempty"`
	Register string `yaml:"register,omitempty" json:"register,omitempty"`

	// mqtt
	StateTopic   string `yaml:"state_topic,omitempty" json:"state_topic,omitempty"`
	CommandTopic string `yaml:"command_topic,omitempty" json:"command_topic,omitempty"`
	Field        string `yaml:"field,omitempty" json:"field,omitempty"`

	// derived
	Sources  []string `yaml:"sources,omitempty" json:"sources,omitempty"`
	Forward  string   `yaml:"forward,omitempty" json:"forward,omitempty"`
	Inverse  string   `yaml:"inverse,omitempty" json:"inverse,omitempty"`
	Severity string   `yaml:"severity,omitempty" json:"severity,omitempty"`
}

type PositionerDefinition struct {
	Name         string               `yaml:"name" json:"name"`
	Setpoint     string               `yaml:"setpoint" json:"setpoint"`
	Readback     string               `yaml:"readback" json:"readback"`
	Velocity     string               `yaml:"velocity,omitempty" json:"velocity,omitempty"`
	Units        string               `yaml:"units,omitempty" json:"units,omitempty"`
	Precision    string               `yaml:"precision,omitempty" json:"precision,omitempty"`
	Actuate      string               `yaml:"actuate,omitempty" json:"actuate,omitempty"`
	Stop         string               `yaml:"stop,omitempty" json:"stop,omitempty"`
	Done         string               `yaml:"done,omitempty" json:"done,omitempty"`
	DoneValue    any                  `yaml:"done_value,omitempty" json:"done_value,omitempty"`
	PutComplete  bool                 `yaml:"put_complete,omitempty" json:"put_complete,omitempty"`
	MinMove      *float64             `yaml:"min_move,omitempty" json:"min_move,omitempty"`
	SettleMargin time.Duration        `yaml:"settle_margin,omitempty" json:"settle_margin,omitempty"`
	Tolerance    *ToleranceDefinition `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
}

type ToleranceDefinition struct {
	Rel float64 `yaml:"rel" json:"rel"`
	Abs float64 `yaml:"abs" json:"abs"`
}

// DeviceInfo is the runtime view of a connected hardware device.
type DeviceInfo struct {
	Name      string `json:"name"`
	Protocol  string `json:"protocol"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	Polling   bool   `json:"polling"`
}
