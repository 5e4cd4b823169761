package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jurisnexo/relay/go/internal/models"
)

func TestSeedDemoFeedsEveryWorker(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewMemory(clock)
	tenant := uuid.New()

	demo, err := SeedDemo(ctx, m, tenant, clock.Now())
	if err != nil {
		t.Fatalf("SeedDemo: %v", err)
	}

	queued, _ := m.FetchQueuedMessages(ctx, 10)
	if len(queued) != 1 || queued[0].ID != demo.MessageID || queued[0].TenantID != tenant {
		t.Fatalf("queued = %+v", queued)
	}

	pending, _ := m.FetchPendingMeetings(ctx, 10)
	if len(pending) != 1 || pending[0].ID != demo.MeetingID {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].Contact.Name != "Maria Silva" {
		t.Errorf("contact = %+v", pending[0].Contact)
	}
	if pending[0].Mode != models.MeetingModeRemote {
		t.Errorf("mode = %s", pending[0].Mode)
	}

	candidates, _ := m.FetchBreachCandidates(ctx, clock.Now().Add(-5*time.Minute))
	if len(candidates) != 1 || candidates[0].ID != demo.UrgentConversationID {
		t.Fatalf("breach candidates = %+v", candidates)
	}
}
