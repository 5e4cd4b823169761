// Package calendar books meeting slots on an external calendar.
package calendar

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jurisnexo/relay/go/internal/models"
)

// Booker reserves a slot for a meeting. Booking the same meeting twice must
// return the same event reference.
type Booker interface {
	BookSlot(ctx context.Context, meeting models.PendingMeeting) (models.Booking, error)
}

// EventID derives the external event id from the meeting id. Google accepts
// lowercase base32hex ids, which a dashless UUID always is.
func EventID(meetingID uuid.UUID) string {
	return strings.ReplaceAll(meetingID.String(), "-", "")
}

// Simulated books nothing; it derives a stable reference and link from the
// meeting id. Used for local runs and tenants without calendar credentials.
type Simulated struct {
	MeetBaseURL string
}

func NewSimulated(meetBaseURL string) *Simulated {
	return &Simulated{MeetBaseURL: strings.TrimRight(meetBaseURL, "/")}
}

func (s *Simulated) BookSlot(ctx context.Context, meeting models.PendingMeeting) (models.Booking, error) {
	if err := ctx.Err(); err != nil {
		return models.Booking{}, err
	}
	b := models.Booking{ExternalEventRef: "sim_" + EventID(meeting.ID)}
	switch {
	case meeting.MeetLink != nil && *meeting.MeetLink != "":
		b.MeetLink = *meeting.MeetLink
	case meeting.Mode.RequiresLink():
		b.MeetLink = fmt.Sprintf("%s/%s", s.MeetBaseURL, meetCode(meeting.ID))
	}
	return b, nil
}

// meetCode renders "abc-defg-hij" from the id's letters.
func meetCode(id uuid.UUID) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	code := make([]byte, 10)
	for i := range code {
		code[i] = letters[int(id[i])%len(letters)]
	}
	return string(code[:3]) + "-" + string(code[3:7]) + "-" + string(code[7:])
}
