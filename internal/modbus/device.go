package modbus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenBeamlineCore/internal/channel"
	"github.com/KevinKickass/OpenBeamlineCore/internal/types"
)

// Device is a Modbus TCP unit with a named register map.
type Device struct {
	Name         string
	UnitID       uint8
	PollInterval time.Duration
	Client       *Client
	RegisterMap  map[string]*types.RegisterDefinition
	registers    []types.RegisterDefinition
	mu           sync.RWMutex
	lastValues   map[string]any
}

func NewDevice(def types.ModbusDeviceDefinition, defaultTimeout time.Duration) (*Device, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("modbus device name is required")
	}
	if def.UnitID < 0 || def.UnitID > 255 {
		return nil, fmt.Errorf("device %s: unit id %d out of range", def.Name, def.UnitID)
	}

	registerMap := make(map[string]*types.RegisterDefinition, len(def.Registers))
	registers := make([]types.RegisterDefinition, len(def.Registers))
	copy(registers, def.Registers)
	for i := range registers {
		reg := &registers[i]
		if _, dup := registerMap[reg.Name]; dup {
			return nil, fmt.Errorf("device %s: duplicate register %s", def.Name, reg.Name)
		}
		if reg.ScaleFactor == 0 {
			reg.ScaleFactor = 1
		}
		registerMap[reg.Name] = reg
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Device{
		Name:         def.Name,
		UnitID:       uint8(def.UnitID),
		PollInterval: def.PollInterval,
		Client:       NewClient(def.Address, timeout),
		RegisterMap:  registerMap,
		registers:    registers,
		lastValues:   make(map[string]any),
	}, nil
}

func (d *Device) Connect() error {
	if err := d.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.Name, err)
	}
	return nil
}

func (d *Device) Disconnect() error {
	return d.Client.Close()
}

func (d *Device) IsConnected() bool {
	return d.Client.IsConnected()
}

// Registers returns the register definitions in file order.
func (d *Device) Registers() []types.RegisterDefinition {
	return d.registers
}

func (d *Device) Register(name string) (*types.RegisterDefinition, bool) {
	reg, ok := d.RegisterMap[name]
	return reg, ok
}

func (d *Device) ReadRegister(ctx context.Context, registerName string) (any, error) {
	reg, exists := d.RegisterMap[registerName]
	if !exists {
		return nil, fmt.Errorf("register not found: %s", registerName)
	}

	quantity := registerQuantity(reg.DataType)

	var (
		values []uint16
		err    error
	)
	switch reg.Type {
	case types.RegisterTypeHoldingRegister:
		values, err = d.Client.ReadHoldingRegisters(ctx, d.UnitID, reg.Address, quantity)
	case types.RegisterTypeInputRegister:
		values, err = d.Client.ReadInputRegisters(ctx, d.UnitID, reg.Address, quantity)
	default:
		return nil, fmt.Errorf("unsupported register type: %s", reg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read register %s: %w", registerName, err)
	}
	if len(values) < int(quantity) {
		return nil, fmt.Errorf("register %s: expected %d words, got %d", registerName, quantity, len(values))
	}

	value := decodeRegisters(values, reg.DataType, reg.ScaleFactor)

	d.mu.Lock()
	d.lastValues[registerName] = value
	d.mu.Unlock()

	return value, nil
}

func (d *Device) WriteRegister(ctx context.Context, registerName string, value any) error {
	reg, exists := d.RegisterMap[registerName]
	if !exists {
		return fmt.Errorf("register not found: %s", registerName)
	}
	if reg.Access != types.AccessTypeReadWrite || reg.Type != types.RegisterTypeHoldingRegister {
		return fmt.Errorf("register %s: %w", registerName, channel.ErrReadOnly)
	}

	words, err := encodeRegisters(value, reg.DataType, reg.ScaleFactor)
	if err != nil {
		return fmt.Errorf("register %s: %w", registerName, err)
	}

	if len(words) == 1 {
		return d.Client.WriteSingleRegister(ctx, d.UnitID, reg.Address, words[0])
	}
	return d.Client.WriteMultipleRegisters(ctx, d.UnitID, reg.Address, words)
}

func (d *Device) GetLastValue(registerName string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, exists := d.lastValues[registerName]
	return value, exists
}

func (d *Device) Info() types.DeviceInfo {
	return types.DeviceInfo{
		Name:      d.Name,
		Protocol:  "modbus",
		Address:   d.Client.Address(),
		Connected: d.IsConnected(),
	}
}

func registerQuantity(dataType types.DataType) uint16 {
	switch dataType {
	case types.DataTypeInt32, types.DataTypeUint32, types.DataTypeFloat32:
		return 2
	case types.DataTypeFloat64:
		return 4
	default:
		return 1
	}
}

// decodeRegisters converts big-endian words, high word first. Numeric
// results are scaled and returned as float64.
func decodeRegisters(registers []uint16, dataType types.DataType, scaleFactor float64) any {
	switch dataType {
	case types.DataTypeBool:
		return registers[0] != 0
	case types.DataTypeUint16:
		return float64(registers[0]) * scaleFactor
	case types.DataTypeInt16:
		return float64(int16(registers[0])) * scaleFactor
	case types.DataTypeUint32:
		return float64(uint32(registers[0])<<16|uint32(registers[1])) * scaleFactor
	case types.DataTypeInt32:
		return float64(int32(uint32(registers[0])<<16|uint32(registers[1]))) * scaleFactor
	case types.DataTypeFloat32:
		bits := uint32(registers[0])<<16 | uint32(registers[1])
		return float64(math.Float32frombits(bits)) * scaleFactor
	case types.DataTypeFloat64:
		var bits uint64
		for _, w := range registers[:4] {
			bits = bits<<16 | uint64(w)
		}
		return math.Float64frombits(bits) * scaleFactor
	}
	return registers[0]
}

func encodeRegisters(value any, dataType types.DataType, scaleFactor float64) ([]uint16, error) {
	v, ok := channel.ToFloat(value)
	if !ok {
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}
	raw := v / scaleFactor

	switch dataType {
	case types.DataTypeBool:
		if raw != 0 {
			return []uint16{1}, nil
		}
		return []uint16{0}, nil
	case types.DataTypeUint16:
		r := math.Round(raw)
		if r < 0 || r > math.MaxUint16 {
			return nil, fmt.Errorf("value %g out of uint16 range", v)
		}
		return []uint16{uint16(r)}, nil
	case types.DataTypeInt16:
		r := math.Round(raw)
		if r < math.MinInt16 || r > math.MaxInt16 {
			return nil, fmt.Errorf("value %g out of int16 range", v)
		}
		return []uint16{uint16(int16(r))}, nil
	case types.DataTypeUint32:
		r := math.Round(raw)
		if r < 0 || r > math.MaxUint32 {
			return nil, fmt.Errorf("value %g out of uint32 range", v)
		}
		return splitWords(uint64(uint32(r)), 2), nil
	case types.DataTypeInt32:
		r := math.Round(raw)
		if r < math.MinInt32 || r > math.MaxInt32 {
			return nil, fmt.Errorf("value %g out of int32 range", v)
		}
		return splitWords(uint64(uint32(int32(r))), 2), nil
	case types.DataTypeFloat32:
		return splitWords(uint64(math.Float32bits(float32(raw))), 2), nil
	case types.DataTypeFloat64:
		return splitWords(math.Float64bits(raw), 4), nil
	}
	return nil, fmt.Errorf("unsupported data type: %s", dataType)
}

func splitWords(bits uint64, n int) []uint16 {
	words := make([]uint16, n)
	for i := n - 1; i >= 0; i-- {
		words[i] = uint16(bits)
		bits >>= 16
	}
	return words
}
