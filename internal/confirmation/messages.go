package confirmation

import (
	"fmt"
	"time"

	"rebook/internal/models"
)

const timeLayout = "02.01.2006 15:04"

func confirmBody(template string, start, deadline time.Time, link string) string {
	if template == models.TemplateConfirmRemind {
		return fmt.Sprintf("Напоминаем: подтвердите визит %s до %s, иначе запись будет отменена. %s",
			start.Format(timeLayout), deadline.Format(timeLayout), link)
	}
	return fmt.Sprintf("Подтвердите, пожалуйста, запись на %s: %s", start.Format(timeLayout), link)
}
