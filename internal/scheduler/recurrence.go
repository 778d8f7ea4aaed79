package scheduler

import (
	"time"

	"github.com/nao1215/carebell/internal/reminder"
)

// civilDays は loc における暦日を通算日数に変換する。
func civilDays(t time.Time, loc *time.Location) int {
	d := t.In(loc)
	return int(time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// monthIndex は loc における年月を通算月数に変換する。
func monthIndex(t time.Time, loc *time.Location) int {
	d := t.In(loc)
	return d.Year()*12 + int(d.Month()) - 1
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	return civilDays(a, loc) == civilDays(b, loc)
}

// anchorDay は開始日の日にちを due の月の末日で丸めた値を返す。
// 31日開始の毎月リマインダーは、30日までの月では末日に発火する。
func anchorDay(start, due time.Time, loc *time.Location) int {
	d := due.In(loc)
	lastDay := time.Date(d.Year(), d.Month()+1, 0, 0, 0, 0, 0, loc).Day()
	day := start.In(loc).Day()
	if day > lastDay {
		return lastDay
	}
	return day
}

// recurrenceAllows は直前の発火 last から見て due に発火してよいかを返す。
// last が nil の場合は初回の発火として判定する。
func recurrenceAllows(rec reminder.Recurrence, start, due time.Time, last *time.Time, loc *time.Location) bool {
	switch rec {
	case reminder.RecurrenceOnce:
		return sameDay(start, due, loc) && (last == nil || !sameDay(*last, due, loc))
	case reminder.RecurrenceDaily:
		return last == nil || civilDays(due, loc) > civilDays(*last, loc)
	case reminder.RecurrenceWeekly:
		return last == nil || civilDays(due, loc)-civilDays(*last, loc) >= 7
	case reminder.RecurrenceMonthly:
		if due.In(loc).Day() < anchorDay(start, due, loc) {
			return false
		}
		return last == nil || monthIndex(due, loc) > monthIndex(*last, loc)
	}
	return false
}
