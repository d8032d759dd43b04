package waterfall

import (
	"fmt"
	"time"
)

const timeLayout = "02.01 15:04"

func offerBody(start, deadline time.Time, acceptURL, declineURL string) string {
	return fmt.Sprintf("Освободилось время %s. Записаться: %s Отказаться: %s. Предложение действует до %s.",
		start.Format(timeLayout), acceptURL, declineURL, deadline.Format(timeLayout))
}
