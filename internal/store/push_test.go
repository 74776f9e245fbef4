package store

import (
	"testing"
	"time"

	"github.com/dukerupert/gsplit/internal/database"
	"github.com/dukerupert/gsplit/internal/model"
)

func setupPushTestDB(t *testing.T) *PushStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPushStore(db)
}

func TestCreateSubscription(t *testing.T) {
	ps := setupPushTestDB(t)

	sub, err := ps.CreateSubscription("https://push.example.com/sub1", "p256dh_key1", "auth_key1", "Pixel 8")
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if sub.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if sub.Endpoint != "https://push.example.com/sub1" {
		t.Errorf("endpoint = %q, want %q", sub.Endpoint, "https://push.example.com/sub1")
	}
	if sub.DeviceName != "Pixel 8" {
		t.Errorf("device_name = %q, want %q", sub.DeviceName, "Pixel 8")
	}
}

func TestCreateSubscriptionUpsert(t *testing.T) {
	ps := setupPushTestDB(t)

	sub1, _ := ps.CreateSubscription("https://push.example.com/sub1", "key1", "auth1", "Device A")
	sub2, err := ps.CreateSubscription("https://push.example.com/sub1", "key2", "auth2", "Device B")
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}

	if sub2.ID != sub1.ID {
		t.Errorf("expected same ID on upsert, got %d != %d", sub2.ID, sub1.ID)
	}
	if sub2.P256dhKey != "key2" {
		t.Errorf("p256dh = %q, want %q", sub2.P256dhKey, "key2")
	}
}

func TestListSubscriptions(t *testing.T) {
	ps := setupPushTestDB(t)

	ps.CreateSubscription("https://push.example.com/1", "k1", "a1", "Device 1")
	ps.CreateSubscription("https://push.example.com/2", "k2", "a2", "Device 2")

	subs, err := ps.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len = %d, want 2", len(subs))
	}
}

func TestDeleteByEndpoint(t *testing.T) {
	ps := setupPushTestDB(t)

	ps.CreateSubscription("https://push.example.com/expired", "k1", "a1", "D1")

	if err := ps.DeleteByEndpoint("https://push.example.com/expired"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}

	subs, _ := ps.List()
	if len(subs) != 0 {
		t.Errorf("expected 0 subs, got %d", len(subs))
	}
	got, _ := ps.GetByEndpoint("https://push.example.com/expired")
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestSentNotificationDedup(t *testing.T) {
	ps := setupPushTestDB(t)

	sent, err := ps.WasSent(model.NotifTypeStreakReminder, "2026-03-17")
	if err != nil {
		t.Fatalf("was sent: %v", err)
	}
	if sent {
		t.Error("expected not sent")
	}

	if err := ps.RecordSent(model.NotifTypeStreakReminder, "2026-03-17"); err != nil {
		t.Fatalf("record sent: %v", err)
	}

	sent, _ = ps.WasSent(model.NotifTypeStreakReminder, "2026-03-17")
	if !sent {
		t.Error("expected sent after recording")
	}

	// Another day is separate
	sent, _ = ps.WasSent(model.NotifTypeStreakReminder, "2026-03-18")
	if sent {
		t.Error("expected not sent for a different day")
	}

	// Duplicate insert is ignored (INSERT OR IGNORE)
	if err := ps.RecordSent(model.NotifTypeStreakReminder, "2026-03-17"); err != nil {
		t.Fatalf("duplicate record sent should not error: %v", err)
	}
}

func TestCleanupSent(t *testing.T) {
	ps := setupPushTestDB(t)

	ps.RecordSent(model.NotifTypeStreakReminder, "2026-03-16")

	// Cutoff in the past deletes nothing
	if err := ps.CleanupSent(time.Now().UTC().Add(-1 * time.Hour)); err != nil {
		t.Fatalf("cleanup sent: %v", err)
	}
	sent, _ := ps.WasSent(model.NotifTypeStreakReminder, "2026-03-16")
	if !sent {
		t.Error("expected notification to still exist (cutoff in past)")
	}

	// Cutoff in the future deletes everything
	if err := ps.CleanupSent(time.Now().UTC().Add(1 * time.Hour)); err != nil {
		t.Fatalf("cleanup sent: %v", err)
	}
	sent, _ = ps.WasSent(model.NotifTypeStreakReminder, "2026-03-16")
	if sent {
		t.Error("expected notification to be cleaned up")
	}
}
