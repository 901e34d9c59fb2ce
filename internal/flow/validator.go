// Package flow implements the booking dialogue: field validation, the
// slot-filling state machine and the intent router in front of it.
package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/BookingPipe/internal/models"
)

// Date and time layouts used for parsing and normalisation
const (
	DateLayout        = "2006-01-02"
	DisplayTimeLayout = "03:04 PM"
)

var (
	emailRegex  = regexp.MustCompile(`^[\w.+-]+@[\w-]+(\.[\w-]+)*\.[A-Za-z]{2,}$`)
	phoneRegex  = regexp.MustCompile(`^\+?[0-9]{10,15}$`)
	time24Regex = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)
	time12Regex = regexp.MustCompile(`^(0?[1-9]|1[0-2]):([0-5][0-9])\s*([AaPp])\.?[Mm]\.?$`)
)

// questionWords make a booking_type answer look like a request for the list.
var questionWords = map[string]bool{"what": true, "list": true, "options": true, "help": true}

// Validation is the outcome of validating one answer: either Accepted with a
// normalised Value, or rejected with a user facing Message.
type Validation struct {
	Accepted bool
	Value    string
	Message  string
}

// Accepted builds a successful Validation.
func Accepted(value string) Validation {
	return Validation{Accepted: true, Value: value}
}

// Rejected builds a failed Validation.
func Rejected(message string) Validation {
	return Validation{Message: message}
}

// BusinessHours bounds acceptable booking times, in minutes since midnight.
// Both bounds are inclusive.
type BusinessHours struct {
	Open  int
	Close int
}

// DefaultBusinessHours is 09:00-18:00.
var DefaultBusinessHours = BusinessHours{Open: 9 * 60, Close: 18 * 60}

// ParseBusinessHours builds BusinessHours from two times in any format the
// time validator accepts.
func ParseBusinessHours(openAt, closeAt string) (BusinessHours, error) {
	o, ok := parseClock(openAt)
	if !ok {
		return BusinessHours{}, fmt.Errorf("invalid opening time %q", openAt)
	}
	c, ok := parseClock(closeAt)
	if !ok {
		return BusinessHours{}, fmt.Errorf("invalid closing time %q", closeAt)
	}
	if c < o {
		return BusinessHours{}, fmt.Errorf("closing time %q is before opening time %q", closeAt, openAt)
	}
	return BusinessHours{Open: o, Close: c}, nil
}

// String formats the bounds as "09:00 AM - 06:00 PM".
func (h BusinessHours) String() string {
	return formatClock(h.Open) + " - " + formatClock(h.Close)
}

// Validator checks raw user answers for each booking field. It is pure apart
// from reading the clock for the "not in the past" date rule.
type Validator struct {
	Hours    BusinessHours
	Location *time.Location
	Now      func() time.Time
}

// NewValidator creates a Validator with the given hours, evaluating dates in loc.
// A nil loc means time.Local.
func NewValidator(hours BusinessHours, loc *time.Location) *Validator {
	if loc == nil {
		loc = time.Local
	}
	return &Validator{Hours: hours, Location: loc, Now: time.Now}
}

// Validate checks raw for field. services is the detected service list used
// to constrain booking_type; it may be empty.
func (v *Validator) Validate(field models.Field, raw string, services []string) Validation {
	value := strings.TrimSpace(raw)

	switch field {
	case models.FieldName:
		if value == "" {
			return Rejected("❌ Name is required. Please tell me your name.")
		}
		return Accepted(value)

	case models.FieldEmail:
		if !emailRegex.MatchString(value) {
			return Rejected("❌ Invalid email format. Please use something like name@example.com.")
		}
		return Accepted(value)

	case models.FieldPhone:
		if !phoneRegex.MatchString(value) {
			return Rejected("❌ Invalid phone (10-15 digits, optional leading +).")
		}
		return Accepted(value)

	case models.FieldDate:
		return v.validateDate(value)

	case models.FieldTime:
		return v.validateTime(value)

	case models.FieldBookingType:
		return validateBookingType(value, services)
	}

	return Rejected(fmt.Sprintf("❌ Unknown field %q.", field))
}

func (v *Validator) validateDate(value string) Validation {
	loc := v.Location
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation(DateLayout, value, loc)
	if err != nil {
		return Rejected("❌ Invalid date. Please use YYYY-MM-DD (e.g., 2030-01-30).")
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	y, m, day := now().In(loc).Date()
	today := time.Date(y, m, day, 0, 0, 0, 0, loc)
	if d.Before(today) {
		return Rejected("❌ That date is in the past. Please choose today or a later date (YYYY-MM-DD).")
	}
	return Accepted(d.Format(DateLayout))
}

func (v *Validator) validateTime(value string) Validation {
	minutes, ok := parseClock(value)
	if !ok {
		return Rejected("❌ Invalid time. Use HH:MM (24-hour) or HH:MM AM/PM.")
	}
	if minutes < v.Hours.Open || minutes > v.Hours.Close {
		return Rejected(fmt.Sprintf("❌ That time is outside business hours (%s).", v.Hours))
	}
	return Accepted(formatClock(minutes))
}

func validateBookingType(value string, services []string) Validation {
	if len(services) == 0 {
		if value == "" {
			return Rejected("❌ Please tell me which service you would like to book.")
		}
		return Accepted(value)
	}

	lower := strings.ToLower(value)
	if value == "" || strings.Contains(value, "?") || questionWords[lower] {
		return Rejected(fmt.Sprintf("Here are the available services:\n\n%s\n\nPlease type one of the above.", bulletList(services)))
	}

	if match, ok := MatchService(value, services); ok {
		return Accepted(match)
	}
	return Rejected(fmt.Sprintf("❌ Unknown service. Please choose from:\n\n%s\n\nNot listed? Ask me to search for other options.", bulletList(services)))
}

// MatchService resolves text to one of services, case-insensitively. The
// user input contained in a service name wins over a service name contained
// in the input.
func MatchService(text string, services []string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return "", false
	}
	for _, s := range services {
		if strings.Contains(strings.ToLower(s), lower) {
			return s, true
		}
	}
	for _, s := range services {
		ls := strings.ToLower(strings.TrimSpace(s))
		if ls != "" && strings.Contains(lower, ls) {
			return s, true
		}
	}
	return "", false
}

// parseClock converts "17:30", "9:00 AM" or "05:30 pm" into minutes since midnight.
func parseClock(value string) (int, bool) {
	value = strings.TrimSpace(value)
	if m := time24Regex.FindStringSubmatch(value); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		return h*60 + mins, true
	}
	if m := time12Regex.FindStringSubmatch(value); m != nil {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		h %= 12
		if strings.EqualFold(m[3], "p") {
			h += 12
		}
		return h*60 + mins, true
	}
	return 0, false
}

func formatClock(minutes int) string {
	return time.Date(2000, 1, 1, minutes/60, minutes%60, 0, 0, time.UTC).Format(DisplayTimeLayout)
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, s := range items {
		lines[i] = "- " + s
	}
	return strings.Join(lines, "\n")
}
