package models

import (
	"fmt"
	"strings"
)

// Field names a piece of booking data collected from the user.
type Field string

const (
	FieldName        Field = "name"
	FieldEmail       Field = "email"
	FieldPhone       Field = "phone"
	FieldBookingType Field = "booking_type"
	FieldDate        Field = "date"
	FieldTime        Field = "time"
)

// RequiredFields is the fixed order in which booking fields are requested.
var RequiredFields = []Field{FieldName, FieldEmail, FieldPhone, FieldBookingType, FieldDate, FieldTime}

// IsRequired reports whether f is one of RequiredFields.
func (f Field) IsRequired() bool {
	for _, rf := range RequiredFields {
		if rf == f {
			return true
		}
	}
	return false
}

// Label returns the human readable name of the field.
func (f Field) Label() string {
	switch f {
	case FieldBookingType:
		return "Service"
	case "":
		return ""
	}
	s := strings.ReplaceAll(string(f), "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

// BookingStatusConfirmed is the status stored for every finalized booking.
const BookingStatusConfirmed = "Confirmed"

// BookingData maps each collected field to its validated value.
type BookingData map[Field]string

// Complete reports whether every required field has a value.
func (d BookingData) Complete() bool {
	for _, f := range RequiredFields {
		if _, ok := d[f]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of d.
func (d BookingData) Clone() BookingData {
	out := make(BookingData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// BookingState tracks one slot-filling dialogue.
type BookingState struct {
	Active       bool        `json:"active"`
	Data         BookingData `json:"data"`
	CurrentField Field       `json:"current_field,omitempty"`
	Confirmed    bool        `json:"confirmed"`
}

// NewBookingState returns the initial, idle booking state.
func NewBookingState() BookingState {
	return BookingState{Data: BookingData{}}
}

// Clone returns a copy of s that shares no map with it.
func (s BookingState) Clone() BookingState {
	out := s
	if s.Data == nil {
		out.Data = BookingData{}
	} else {
		out.Data = s.Data.Clone()
	}
	return out
}

// IsIdle reports whether s equals the initial state.
func (s BookingState) IsIdle() bool {
	return !s.Active && len(s.Data) == 0 && s.CurrentField == "" && !s.Confirmed
}

// NextMissing returns the first required field without a value.
func (s BookingState) NextMissing() (Field, bool) {
	for _, f := range RequiredFields {
		if _, ok := s.Data[f]; !ok {
			return f, true
		}
	}
	return "", false
}

// Check verifies the structural invariants of the state. Value level
// re-validation is the dialogue manager's job.
func (s BookingState) Check() error {
	for f := range s.Data {
		if !f.IsRequired() {
			return fmt.Errorf("%w: unexpected field %q", ErrProtocolViolation, f)
		}
	}
	if s.CurrentField != "" {
		if !s.CurrentField.IsRequired() {
			return fmt.Errorf("%w: unexpected current field %q", ErrProtocolViolation, s.CurrentField)
		}
		if _, ok := s.Data[s.CurrentField]; ok {
			return fmt.Errorf("%w: current field %q already collected", ErrProtocolViolation, s.CurrentField)
		}
	}
	if s.Confirmed && !s.Data.Complete() {
		return fmt.Errorf("%w: confirmed with incomplete data", ErrProtocolViolation)
	}
	if !s.Active && (len(s.Data) > 0 || s.CurrentField != "" || s.Confirmed) {
		return fmt.Errorf("%w: inactive state carries progress", ErrProtocolViolation)
	}
	return nil
}

// Customer is the persisted contact half of a booking.
type Customer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// BookingSummary is one row of the admin bookings listing.
type BookingSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	ServiceType string `json:"service_type"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	Status      string `json:"status"`
}
