package scheduler

import (
	"fmt"

	"github.com/nao1215/carebell/internal/notification"
	"github.com/nao1215/carebell/internal/reminder"
)

// rendered はリマインダー種別ごとの通知内容。
type rendered struct {
	title        string
	message      string
	category     notification.Category
	priority     notification.Priority
	soundEnabled bool
}

// render はリマインダーから通知のタイトルと本文を組み立てる。
func render(r *reminder.Reminder) rendered {
	switch r.Category {
	case reminder.CategoryMedicine:
		msg := fmt.Sprintf("Time to take %s at %s", r.Title, r.Time)
		if r.Dosage != "" {
			msg = fmt.Sprintf("Time to take %s (%s) at %s", r.Title, r.Dosage, r.Time)
		}
		return rendered{
			title:        "Medicine Reminder",
			message:      msg,
			category:     notification.CategoryMedicine,
			priority:     notification.PriorityHigh,
			soundEnabled: true,
		}
	case reminder.CategoryAppointment:
		return rendered{
			title:    "Appointment Reminder",
			message:  fmt.Sprintf("Upcoming appointment: %s at %s", r.Title, r.Time),
			category: notification.CategoryAppointment,
			priority: notification.PriorityMedium,
		}
	case reminder.CategoryCheckup:
		return rendered{
			title:    "Health Checkup Reminder",
			message:  fmt.Sprintf("Time for your checkup: %s at %s", r.Title, r.Time),
			category: notification.CategoryCheckup,
			priority: notification.PriorityMedium,
		}
	default:
		return rendered{
			title:    "Reminder",
			message:  fmt.Sprintf("%s at %s", r.Title, r.Time),
			category: notification.CategorySystem,
			priority: notification.PriorityMedium,
		}
	}
}
