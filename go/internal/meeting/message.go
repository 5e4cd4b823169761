package meeting

import (
	"fmt"
	"strings"
	"time"

	"github.com/jurisnexo/relay/go/internal/models"
)

const dateLayout = "02/01/2006 15:04"

var modeLabels = map[models.MeetingMode]string{
	models.MeetingModeRemote:   "Remoto",
	models.MeetingModeInPerson: "Presencial",
}

// ComposeConfirmation renders the confirmation text sent to the contact.
func ComposeConfirmation(m models.PendingMeeting, link string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}

	var b strings.Builder
	b.WriteString("Agendamento Confirmado! ✅\n\n")
	if name := strings.TrimSpace(m.Contact.Name); name != "" {
		fmt.Fprintf(&b, "Olá, %s!\n", name)
	}
	fmt.Fprintf(&b, "📅 %s\n", m.StartTime.In(loc).Format(dateLayout))

	mode, ok := modeLabels[m.Mode]
	if !ok {
		mode = string(m.Mode)
	}
	if place := strings.TrimSpace(m.Location); place != "" {
		fmt.Fprintf(&b, "📍 %s: %s", mode, place)
	} else {
		fmt.Fprintf(&b, "📍 %s", mode)
	}
	if link != "" {
		fmt.Fprintf(&b, "\n🔗 Link: %s", link)
	}
	return b.String()
}
