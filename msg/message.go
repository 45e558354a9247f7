/*
Package msg defines the Message, the atomic unit of data exchanged inside and between communities.

A Message is a typed, timestamped, keyed value. It is a plain value type: copying a Message
produces an independent Message, so forwarding code can clone freely by assignment.

The payload is a tagged variant. DataType selects which of the payload fields is meaningful:
 - Double: DoubleValue (and optionally DoubleValueAux)
 - String: StringValue
 - Binary: StringValue, holding opaque bytes

Use the accessor methods (DoubleVal, StringVal, BinaryVal) to read the payload; they fail with
ErrWrongDataType when asked for a payload the tag does not carry.
*/
package msg

import (
	"fmt"
	"math"
	"time"

	"github.com/CiaranWoodward/commbridge/errors"
)

// MessageType governs how a receiver interprets a Message
type MessageType int8

const (
	Notify              MessageType = 'N'
	Register            MessageType = 'R'
	Unregister          MessageType = 'U'
	WildcardRegister    MessageType = '*'
	WildcardUnregister  MessageType = '/'
	Command             MessageType = 'C'
	Anonymous           MessageType = 'A'
	Null                MessageType = '.'
	Data                MessageType = 'i'
	Poison              MessageType = 'K'
	Welcome             MessageType = 'W'
	ServerRequest       MessageType = 'Q'
	Timing              MessageType = 'T'
	TerminateConnection MessageType = '^'
)

var messageTypeNames = map[MessageType]string{
	Notify:              "Notify",
	Register:            "Register",
	Unregister:          "Unregister",
	WildcardRegister:    "WildcardRegister",
	WildcardUnregister:  "WildcardUnregister",
	Command:             "Command",
	Anonymous:           "Anonymous",
	Null:                "Null",
	Data:                "Data",
	Poison:              "Poison",
	Welcome:             "Welcome",
	ServerRequest:       "ServerRequest",
	Timing:              "Timing",
	TerminateConnection: "TerminateConnection",
}

func (t MessageType) String() string {
	if s, ok := messageTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", int8(t))
}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// DataType selects the meaningful payload field
type DataType int8

const (
	Double DataType = 'D'
	String DataType = 'S'
	Binary DataType = 'B'
)

func (d DataType) String() string {
	switch d {
	case Double:
		return "Double"
	case String:
		return "String"
	case Binary:
		return "Binary"
	default:
		return fmt.Sprintf("DataType(%d)", int8(d))
	}
}

// ServerRequestId is the message id reserved for requests addressed to the community server
const ServerRequestId int32 = -2

// Epsilon is the tolerance used when comparing double fields for equality
const Epsilon = 1e-9

// DefaultSkewTolerance is the default staleness tolerance, in seconds
const DefaultSkewTolerance = 5.0

// Message is the highest level of data that is sent over the transport
type Message struct {
	Type                 MessageType `json:"type"`
	DataType             DataType    `json:"dtype"`
	Key                  string      `json:"key"`
	Id                   int32       `json:"id"`
	Time                 float64     `json:"time"`
	DoubleValue          float64     `json:"dval"`
	DoubleValueAux       float64     `json:"dval2"`
	StringValue          string      `json:"sval"`
	Source               string      `json:"src"`
	SourceAux            string      `json:"srcaux"`
	OriginatingCommunity string      `json:"community"`
}

// Now returns the current Unix time in seconds, the timestamp format used by every Message
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NewDouble creates a message carrying a numeric payload.
// A zero or negative t is replaced by the current time.
func NewDouble(mt MessageType, key string, value, t float64) Message {
	return Message{
		Type:        mt,
		DataType:    Double,
		Key:         key,
		Time:        stamp(t),
		DoubleValue: value,
	}
}

// NewString creates a message carrying a string payload.
// A zero or negative t is replaced by the current time.
func NewString(mt MessageType, key, value string, t float64) Message {
	return Message{
		Type:        mt,
		DataType:    String,
		Key:         key,
		Time:        stamp(t),
		StringValue: value,
	}
}

// NewBinary creates a message carrying opaque bytes.
// A zero or negative t is replaced by the current time.
func NewBinary(mt MessageType, key string, value []byte, t float64) Message {
	return Message{
		Type:        mt,
		DataType:    Binary,
		Key:         key,
		Time:        stamp(t),
		StringValue: string(value),
	}
}

func stamp(t float64) float64 {
	if t <= 0 {
		return Now()
	}
	return t
}

// DoubleVal returns the numeric payload
func (m Message) DoubleVal() (float64, error) {
	if m.DataType != Double {
		return 0, fmt.Errorf("%s is %s: %w", m.Key, m.DataType, errors.ErrWrongDataType)
	}
	return m.DoubleValue, nil
}

// StringVal returns the string payload
func (m Message) StringVal() (string, error) {
	if m.DataType != String {
		return "", fmt.Errorf("%s is %s: %w", m.Key, m.DataType, errors.ErrWrongDataType)
	}
	return m.StringValue, nil
}

// BinaryVal returns a copy of the opaque payload
func (m Message) BinaryVal() ([]byte, error) {
	if m.DataType != Binary {
		return nil, fmt.Errorf("%s is %s: %w", m.Key, m.DataType, errors.ErrWrongDataType)
	}
	return []byte(m.StringValue), nil
}

// IsDouble reports whether the payload is numeric
func (m Message) IsDouble() bool { return m.DataType == Double }

// SetDouble replaces the payload with a numeric value
func (m *Message) SetDouble(v float64) {
	m.DataType = Double
	m.DoubleValue = v
	m.StringValue = ""
}

// SetString replaces the payload with a string value
func (m *Message) SetString(v string) {
	m.DataType = String
	m.StringValue = v
	m.DoubleValue = 0
}

// SetTime replaces the timestamp
func (m *Message) SetTime(t float64) { m.Time = t }

// IsSkewed reports whether the message timestamp differs from now by more than tolerance seconds.
// A non-positive tolerance selects DefaultSkewTolerance.
func (m Message) IsSkewed(now, tolerance float64) bool {
	if tolerance <= 0 {
		tolerance = DefaultSkewTolerance
	}
	return math.Abs(now-m.Time) > tolerance
}

// IsYoungerThan reports whether the message was stamped after the given absolute time
func (m Message) IsYoungerThan(t float64) bool {
	return m.Time >= t
}

// Equal compares two messages field by field, with Epsilon tolerance on the double fields
func (m Message) Equal(o Message) bool {
	return m.Type == o.Type &&
		m.DataType == o.DataType &&
		m.Key == o.Key &&
		m.Id == o.Id &&
		m.StringValue == o.StringValue &&
		m.Source == o.Source &&
		m.SourceAux == o.SourceAux &&
		m.OriginatingCommunity == o.OriginatingCommunity &&
		near(m.Time, o.Time) &&
		near(m.DoubleValue, o.DoubleValue) &&
		near(m.DoubleValueAux, o.DoubleValueAux)
}

func near(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon
}

// Describe renders the message on one line for traces and the interactive client
func (m Message) Describe() string {
	var val string
	switch m.DataType {
	case Double:
		val = fmt.Sprintf("%g", m.DoubleValue)
	case Binary:
		val = fmt.Sprintf("<%d bytes>", len(m.StringValue))
	default:
		val = fmt.Sprintf("%q", m.StringValue)
	}
	return fmt.Sprintf("%s %s=%s t=%.3f src=%s@%s", m.Type, m.Key, val, m.Time, m.Source, m.OriginatingCommunity)
}
