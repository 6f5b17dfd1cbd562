package modbus

import (
	"encoding/binary"
	"fmt"
)

// ModbusFrame is an MBAP header (7 bytes) plus function code and data.
type ModbusFrame struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0x0000 for Modbus
	Length        uint16 // bytes following the length field
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	exceptionFlag = 0x80
)

// ExceptionError is a Modbus exception response.
type ExceptionError struct {
	FunctionCode uint8
	Code         uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception 0x%02X on function 0x%02X: %s", e.Code, e.FunctionCode, exceptionText(e.Code))
}

func exceptionText(code uint8) string {
	switch code {
	case 0x01:
		return "illegal function"
	case 0x02:
		return "illegal data address"
	case 0x03:
		return "illegal data value"
	case 0x04:
		return "server device failure"
	case 0x06:
		return "server device busy"
	default:
		return "unknown exception"
	}
}

func (f *ModbusFrame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2) // unit id + function code

	frame := make([]byte, 8+len(f.Data))
	binary.BigEndian.PutUint16(frame[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(frame[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(frame[4:6], f.Length)
	frame[6] = f.UnitID
	frame[7] = f.FunctionCode
	copy(frame[8:], f.Data)

	return frame
}

func DecodeFrame(data []byte) (*ModbusFrame, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	frame := &ModbusFrame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}

	if frame.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", frame.ProtocolID)
	}
	if int(frame.Length) != len(data)-6 {
		return nil, fmt.Errorf("length mismatch: header says %d, got %d", frame.Length, len(data)-6)
	}

	if len(data) > 8 {
		frame.Data = data[8:]
	}

	return frame, nil
}

// Exception returns the exception carried by the frame, if any.
func (f *ModbusFrame) Exception() error {
	if f.FunctionCode&exceptionFlag == 0 {
		return nil
	}
	code := uint8(0)
	if len(f.Data) > 0 {
		code = f.Data[0]
	}
	return &ExceptionError{FunctionCode: f.FunctionCode &^ exceptionFlag, Code: code}
}

func readRequest(fc uint8, transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], quantity)

	return &ModbusFrame{
		TransactionID: transactionID,
		UnitID:        unitID,
		FunctionCode:  fc,
		Data:          data,
	}
}

// ReadHoldingRegistersRequest builds a 0x03 request.
func ReadHoldingRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	return readRequest(FuncCodeReadHoldingRegisters, transactionID, unitID, startAddr, quantity)
}

// ReadInputRegistersRequest builds a 0x04 request.
func ReadInputRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, quantity uint16) *ModbusFrame {
	return readRequest(FuncCodeReadInputRegisters, transactionID, unitID, startAddr, quantity)
}

// WriteSingleRegisterRequest builds a 0x06 request.
func WriteSingleRegisterRequest(transactionID uint16, unitID uint8, addr uint16, value uint16) *ModbusFrame {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], addr)
	binary.BigEndian.PutUint16(data[2:4], value)

	return &ModbusFrame{
		TransactionID: transactionID,
		UnitID:        unitID,
		FunctionCode:  FuncCodeWriteSingleRegister,
		Data:          data,
	}
}

// WriteMultipleRegistersRequest builds a 0x10 request.
func WriteMultipleRegistersRequest(transactionID uint16, unitID uint8, startAddr uint16, values []uint16) *ModbusFrame {
	data := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(data[0:2], startAddr)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(values)))
	data[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:7+2*i], v)
	}

	return &ModbusFrame{
		TransactionID: transactionID,
		UnitID:        unitID,
		FunctionCode:  FuncCodeWriteMultipleRegisters,
		Data:          data,
	}
}

// ParseRegisterResponse parses a holding or input register response.
func (f *ModbusFrame) ParseRegisterResponse() ([]uint16, error) {
	if err := f.Exception(); err != nil {
		return nil, err
	}
	if len(f.Data) < 1 {
		return nil, fmt.Errorf("response too short")
	}

	byteCount := f.Data[0]
	if len(f.Data) < int(byteCount)+1 {
		return nil, fmt.Errorf("incomplete response data")
	}

	registerCount := byteCount / 2
	registers := make([]uint16, registerCount)
	for i := 0; i < int(registerCount); i++ {
		offset := 1 + (i * 2)
		registers[i] = binary.BigEndian.Uint16(f.Data[offset : offset+2])
	}

	return registers, nil
}
