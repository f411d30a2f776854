package booking

import (
	"fmt"
	"strings"
	"time"

	"zapis/internal/models"
)

func (s *Service) when(a *models.Appointment) string {
	loc := s.resolver.Hours().Location
	start := a.StartTime
	end := a.EndTime
	if loc != nil {
		start = start.In(loc)
		end = end.In(loc)
	}
	return fmt.Sprintf("%s, %s – %s", start.Format("02.01.2006"), start.Format("15:04"), end.Format("15:04"))
}

func servicesLine(a *models.Appointment) string {
	if len(a.Services) == 0 {
		return "🔒 Время заблокировано администратором"
	}
	return "🐾 " + strings.Join(a.ServiceNames(), ", ")
}

func subjectLine(a *models.Appointment) string {
	if a.IsExternal() {
		return "👤 Внешняя запись"
	}
	return fmt.Sprintf("👤 Клиент: %d", a.SubjectID)
}

func (s *Service) createdMessage(a *models.Appointment) string {
	msg := fmt.Sprintf("✅ Вы записаны! Запись #%d\n\n📅 %s\n%s",
		a.ID, s.when(a), servicesLine(a))
	if !a.TotalPrice.IsZero() {
		msg += fmt.Sprintf("\n💰 %s ₽", a.TotalPrice.String())
	}
	return msg
}

func (s *Service) adminCreatedMessage(a *models.Appointment) string {
	msg := fmt.Sprintf("🆕 Новая запись #%d\n\n%s\n📅 %s\n%s",
		a.ID, subjectLine(a), s.when(a), servicesLine(a))
	if !a.TotalPrice.IsZero() {
		msg += fmt.Sprintf("\n💰 %s ₽", a.TotalPrice.String())
	}
	if a.Comment != "" {
		msg += fmt.Sprintf("\n💬 Комментарий: %s", a.Comment)
	}
	if a.PromoCode != "" {
		msg += fmt.Sprintf("\n🎟 Промокод: %s", a.PromoCode)
	}
	return msg
}

func (s *Service) cancelledByAdminMessage(a *models.Appointment) string {
	return fmt.Sprintf("❌ Ваша запись #%d отменена.\n\n📅 %s\n%s\n\n📝 Причина: %s",
		a.ID, s.when(a), servicesLine(a), a.CancelReason)
}

func (s *Service) cancelledBySubjectMessage(a *models.Appointment) string {
	return fmt.Sprintf("🚫 Клиент отменил запись #%d\n\n%s\n📅 %s\n%s",
		a.ID, subjectLine(a), s.when(a), servicesLine(a))
}

func (s *Service) rescheduledMessage(a *models.Appointment, prevStart time.Time) string {
	return fmt.Sprintf("🔄 Ваша запись #%d перенесена.\n\nБыло: %s\nСтало: 📅 %s\n%s",
		a.ID, s.formatInstant(prevStart), s.when(a), servicesLine(a))
}

func (s *Service) adminRescheduledMessage(a *models.Appointment, prevStart time.Time) string {
	return fmt.Sprintf("🔄 Запись #%d перенесена\n\n%s\nБыло: %s\nСтало: 📅 %s\n%s",
		a.ID, subjectLine(a), s.formatInstant(prevStart), s.when(a), servicesLine(a))
}

func (s *Service) formatInstant(t time.Time) string {
	if loc := s.resolver.Hours().Location; loc != nil {
		t = t.In(loc)
	}
	return t.Format("02.01.2006 15:04")
}
