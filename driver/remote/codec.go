// Package remote is a client for control boards served over a reliable ordered
// byte stream (TCP or a serial line). Messages are CBOR maps with integer keys
// carried in length-prefixed frames; every request gets exactly one response.
package remote

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Op identifies a request.
type Op uint8

// Request operations.
const (
	OpHello Op = iota + 1
	OpAxes
	OpAxisName
	OpSetControlModes
	OpSetRefSpeeds
	OpPositionMove
	OpSetPositions
	OpRefPositions
	OpBye
)

func (o Op) String() string {
	switch o {
	case OpHello:
		return "hello"
	case OpAxes:
		return "axes"
	case OpAxisName:
		return "axis_name"
	case OpSetControlModes:
		return "set_control_modes"
	case OpSetRefSpeeds:
		return "set_ref_speeds"
	case OpPositionMove:
		return "position_move"
	case OpSetPositions:
		return "set_positions"
	case OpRefPositions:
		return "ref_positions"
	case OpBye:
		return "bye"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Facet names advertised in the hello response.
const (
	FacetAxisInfo        = "axis_info"
	FacetControlModes    = "control_mode"
	FacetPositionControl = "position"
	FacetPositionDirect  = "position_direct"
)

// Request is a client-to-board message.
type Request struct {
	ID     uint32    `cbor:"1,keyasint"`
	Op     Op        `cbor:"2,keyasint"`
	Remote string    `cbor:"3,keyasint,omitempty"`
	Local  string    `cbor:"4,keyasint,omitempty"`
	Axis   int       `cbor:"5,keyasint,omitempty"`
	Values []float64 `cbor:"6,keyasint,omitempty"`
	Modes  []int     `cbor:"7,keyasint,omitempty"`
}

// Response is the board's answer to the request with the same ID.
type Response struct {
	ID     uint32    `cbor:"1,keyasint"`
	OK     bool      `cbor:"2,keyasint"`
	Error  string    `cbor:"3,keyasint,omitempty"`
	Count  int       `cbor:"4,keyasint,omitempty"`
	Name   string    `cbor:"5,keyasint,omitempty"`
	Values []float64 `cbor:"6,keyasint,omitempty"`
	Facets []string  `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// EncodeRequest encodes a request.
func EncodeRequest(req *Request) ([]byte, error) {
	if req.Op == 0 {
		return nil, fmt.Errorf("invalid request: missing op")
	}
	return encMode.Marshal(req)
}

// DecodeRequest decodes a request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := decMode.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Op == 0 {
		return nil, fmt.Errorf("invalid request: missing op")
	}
	return &req, nil
}

// EncodeResponse encodes a response.
func EncodeResponse(resp *Response) ([]byte, error) {
	return encMode.Marshal(resp)
}

// DecodeResponse decodes a response.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := decMode.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}
