// Bellhop is a peer-to-peer booking relay agent.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package wire defines the JSON messages exchanged between bellhop nodes.
//
// Every message travels as a tagged envelope: a "type" discriminator plus a
// single payload field whose JSON key equals the discriminator. The variant
// set is closed; an unknown discriminator or a missing payload is a decode
// error, never a silently empty message.
package wire

import (
	"encoding/json"
	"fmt"
)

// Wire message discriminators.
const (
	TypeSubmitBooking = "submit_booking"
	TypeBookingAck    = "booking_ack"
	TypeOpSubmit      = "op_submit"
	TypeOpAck         = "op_ack"
	TypeHeartbeat     = "heartbeat"
)

// Statuses carried by BookingAck.Status.
const (
	AckQueued    = "queued"
	AckConfirmed = "confirmed"
	AckFailed    = "failed"
	AckError     = "error"
)

// BookingData is the appointment slot a client asks the gateway to book.
// All fields are forwarded verbatim to the central API.
type BookingData struct {
	Date      string `json:"date"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Name      string `json:"name"`
}

// NotifyData carries the contact details used for the confirmation email
// once the central API accepts the booking.
type NotifyData struct {
	Email    string `json:"email"`
	Locale   string `json:"locale,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// SubmitBooking asks a gateway to durably queue one booking and forward it
// to the central API. CorrelationID is the idempotency key: resubmitting
// the same ID never creates a second job.
type SubmitBooking struct {
	CorrelationID string      `json:"correlation_id"`
	Booking       BookingData `json:"booking"`
	Notify        NotifyData  `json:"notify"`
}

// BookingAck is the gateway's reply to a SubmitBooking.
type BookingAck struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

// Op is one replicated client operation.
type Op struct {
	OpID        string `json:"op_id"`
	ActorID     string `json:"actor_id"`
	Kind        string `json:"kind"`
	Entity      string `json:"entity"`
	PayloadJSON string `json:"payload_json"`
	CreatedAtMS int64  `json:"created_at_ms"`
}

// OpSubmit replicates one client op to a gateway.
type OpSubmit struct {
	Op Op `json:"op"`
}

// OpAck acknowledges a replicated op.
type OpAck struct {
	OpID string `json:"op_id"`
	OK   bool   `json:"ok"`
	Msg  string `json:"msg,omitempty"`
}

// Heartbeat is a liveness probe; a gateway answers with its own role.
type Heartbeat struct {
	Role string `json:"role"`
}

// Message is the envelope for every exchange on the bellhop protocol.
// Exactly the payload field named by Type must be set.
type Message struct {
	Type          string         `json:"type"`
	SubmitBooking *SubmitBooking `json:"submit_booking,omitempty"`
	BookingAck    *BookingAck    `json:"booking_ack,omitempty"`
	OpSubmit      *OpSubmit      `json:"op_submit,omitempty"`
	OpAck         *OpAck         `json:"op_ack,omitempty"`
	Heartbeat     *Heartbeat     `json:"heartbeat,omitempty"`
}

// NewSubmitBooking builds a submit_booking envelope.
func NewSubmitBooking(correlationID string, booking BookingData, notify NotifyData) Message {
	return Message{
		Type: TypeSubmitBooking,
		SubmitBooking: &SubmitBooking{
			CorrelationID: correlationID,
			Booking:       booking,
			Notify:        notify,
		},
	}
}

// NewBookingAck builds a booking_ack envelope.
func NewBookingAck(correlationID, status string) Message {
	return Message{
		Type:       TypeBookingAck,
		BookingAck: &BookingAck{CorrelationID: correlationID, Status: status},
	}
}

// NewOpSubmit builds an op_submit envelope.
func NewOpSubmit(op Op) Message {
	return Message{Type: TypeOpSubmit, OpSubmit: &OpSubmit{Op: op}}
}

// NewOpAck builds an op_ack envelope.
func NewOpAck(opID string, ok bool, msg string) Message {
	return Message{Type: TypeOpAck, OpAck: &OpAck{OpID: opID, OK: ok, Msg: msg}}
}

// NewHeartbeat builds a heartbeat envelope.
func NewHeartbeat(role string) Message {
	return Message{Type: TypeHeartbeat, Heartbeat: &Heartbeat{Role: role}}
}

// Encode marshals m, refusing envelopes whose payload does not match the
// declared type.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("encode wire message: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode wire message: %w", err)
	}
	return data, nil
}

// Decode parses one wire message. Empty input, malformed JSON, unknown
// discriminators, and envelopes missing their payload are all errors.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("decode wire message: empty payload")
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode wire message: %w", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, fmt.Errorf("decode wire message: %w", err)
	}
	return m, nil
}

func (m Message) validate() error {
	var present bool
	switch m.Type {
	case TypeSubmitBooking:
		present = m.SubmitBooking != nil
	case TypeBookingAck:
		present = m.BookingAck != nil
	case TypeOpSubmit:
		present = m.OpSubmit != nil
	case TypeOpAck:
		present = m.OpAck != nil
	case TypeHeartbeat:
		present = m.Heartbeat != nil
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unknown type %q", m.Type)
	}
	if !present {
		return fmt.Errorf("type %q without payload", m.Type)
	}
	return nil
}
