package reminders

import (
	"fmt"
	"strings"
	"time"

	"zapis/internal/models"
)

func serviceList(appt *models.Appointment) string {
	names := appt.ServiceNames()
	if len(names) == 0 {
		return "запись"
	}
	return strings.Join(names, ", ")
}

func dayBeforeMessage(appt *models.Appointment, loc *time.Location) string {
	start := appt.StartTime.In(loc)
	return fmt.Sprintf("⏰ Напоминаем о записи\n\n📅 %s в %s\n🐾 %s\n\nЕсли планы изменились, отмените или перенесите запись в приложении.",
		start.Format("02.01.2006"), start.Format("15:04"), serviceList(appt))
}

func hoursBeforeMessage(appt *models.Appointment, loc *time.Location) string {
	start := appt.StartTime.In(loc)
	return fmt.Sprintf("⏳ Совсем скоро, в %s, ждём вас и вашего питомца!\n🐾 %s",
		start.Format("15:04"), serviceList(appt))
}

func followUpMessage(appt *models.Appointment) string {
	return fmt.Sprintf("🐶 Прошла неделя после визита (%s). Как самочувствие питомца?\n\nБудем рады видеть вас снова, записаться можно в приложении.",
		serviceList(appt))
}
