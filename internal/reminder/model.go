package reminder

import (
	"errors"
	"fmt"
	"time"
)

// Category はリマインダーの種別。
type Category string

// リマインダーの種別。
const (
	CategoryMedicine    Category = "medicine"
	CategoryAppointment Category = "appointment"
	CategoryCheckup     Category = "checkup"
	CategoryCustom      Category = "custom"
)

// Recurrence は繰り返し規則。
type Recurrence string

// 繰り返し規則。
const (
	RecurrenceOnce    Recurrence = "once"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// 日付と時刻の書式。
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// ErrInvalid はリマインダー定義が不正であることを示す。
var ErrInvalid = errors.New("invalid reminder")

// Reminder はユーザーが定義した服薬や通院などの予定。
type Reminder struct {
	ID       string   `json:"id"`
	OwnerID  string   `json:"owner_id"`
	Title    string   `json:"title"`
	Category Category `json:"category"`
	// Date は once では発火日、繰り返しでは開始日（YYYY-MM-DD）。
	Date string `json:"date"`
	// Time はスケジューラーのタイムゾーンにおける発火時刻（HH:MM）。
	Time       string     `json:"time"`
	Recurrence Recurrence `json:"recurrence"`
	Dosage     string     `json:"dosage,omitempty"`
	Enabled    bool       `json:"enabled"`
}

// Validate は定義の形式を検証する。
func (r *Reminder) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is empty", ErrInvalid)
	}
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is empty", ErrInvalid)
	}
	switch r.Category {
	case CategoryMedicine, CategoryAppointment, CategoryCheckup, CategoryCustom:
	default:
		return fmt.Errorf("%w: unknown category %q", ErrInvalid, r.Category)
	}
	switch r.Recurrence {
	case RecurrenceOnce, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
	default:
		return fmt.Errorf("%w: unknown recurrence %q", ErrInvalid, r.Recurrence)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("%w: malformed date %q", ErrInvalid, r.Date)
	}
	if _, err := time.Parse(TimeLayout, r.Time); err != nil {
		return fmt.Errorf("%w: malformed time %q", ErrInvalid, r.Time)
	}
	return nil
}

// DueOn は day と同じ暦日の Time 時刻を loc で返す。
func (r *Reminder) DueOn(day time.Time, loc *time.Location) (time.Time, error) {
	hm, err := time.Parse(TimeLayout, r.Time)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed time %q", ErrInvalid, r.Time)
	}
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), nil
}

// StartDate は Date を loc の0時として返す。
func (r *Reminder) StartDate(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, r.Date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed date %q", ErrInvalid, r.Date)
	}
	return t, nil
}
