package syncharness

import (
	"testing"
	"time"

	"github.com/BobbyCannon/cornerstone-go/internal/models"
	tdsync "github.com/BobbyCannon/cornerstone-go/internal/sync"
)

func TestScenario_PushUpWithRelationships(t *testing.T) {
	h := New(t)

	addr := h.SeedAddress(h.ClientStore, "portland", Base)
	acct := h.SeedAccount(h.ClientStore, "mover", addr.SyncID, Base.Add(time.Second))

	h.MustRun(tdsync.DirectionPushUp)

	serverAddr := h.Read(h.ServerStore, models.TypeAddress, addr.SyncID)
	if serverAddr == nil {
		t.Fatal("address missing on server")
	}
	serverAcct := h.Read(h.ServerStore, models.TypeAccount, acct.SyncID)
	if serverAcct == nil {
		t.Fatal("account missing on server")
	}
	if serverAcct.(*models.Account).AddressID != serverAddr.SyncMeta().ID {
		t.Fatal("server-local address key not repaired")
	}
}

func TestScenario_PullDownNewerServerWins(t *testing.T) {
	h := New(t)

	addr := h.SeedAddress(h.ClientStore, "stale city", Base)
	h.MustRun(tdsync.DirectionPushUp)

	// Edit the row on the server after the first sync.
	serverRow := h.Read(h.ServerStore, models.TypeAddress, addr.SyncID).(*models.Address)
	serverRow.City = "fresh city"
	serverRow.ModifiedOn = time.Now().UTC()
	db, _ := h.ServerStore.GetDatabase()
	if err := db.Repository(models.TypeAddress).Update(serverRow); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := db.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	h.MustRun(tdsync.DirectionPullDown)

	got := h.Read(h.ClientStore, models.TypeAddress, addr.SyncID).(*models.Address)
	if got.City != "fresh city" {
		t.Fatalf("client should hold the server edit, got %q", got.City)
	}
}

func TestScenario_IncrementalSyncsCarryOnlyNewWork(t *testing.T) {
	h := New(t)

	h.SeedAddress(h.ClientStore, "one", Base)
	first := h.MustRun(tdsync.DirectionPushUp)
	if first.ServerStats().AppliedChanges != 1 {
		t.Fatalf("first run applied %d, want 1", first.ServerStats().AppliedChanges)
	}

	second := h.MustRun(tdsync.DirectionPushUp)
	if second.ServerStats().Changes != 0 {
		t.Fatalf("second run should be empty, server saw %d", second.ServerStats().Changes)
	}

	h.SeedAddress(h.ClientStore, "two", time.Now().UTC())
	third := h.MustRun(tdsync.DirectionPushUp)
	if third.ServerStats().AppliedChanges != 1 {
		t.Fatalf("third run applied %d, want exactly the new row", third.ServerStats().AppliedChanges)
	}
	if h.Count(h.ServerStore, models.TypeAddress) != 2 {
		t.Fatalf("server rows = %d", h.Count(h.ServerStore, models.TypeAddress))
	}
}

func TestScenario_BidirectionalConverges(t *testing.T) {
	h := New(t)

	clientAddr := h.SeedAddress(h.ClientStore, "client town", Base)
	serverAddr := h.SeedAddress(h.ServerStore, "server town", Base.Add(time.Second))

	h.MustRun(tdsync.DirectionPullDownThenPushUp)

	if h.Count(h.ClientStore, models.TypeAddress) != 2 || h.Count(h.ServerStore, models.TypeAddress) != 2 {
		t.Fatalf("stores did not converge: client=%d server=%d",
			h.Count(h.ClientStore, models.TypeAddress), h.Count(h.ServerStore, models.TypeAddress))
	}
	if h.Read(h.ClientStore, models.TypeAddress, serverAddr.SyncID) == nil {
		t.Fatal("server row missing on client")
	}
	if h.Read(h.ServerStore, models.TypeAddress, clientAddr.SyncID) == nil {
		t.Fatal("client row missing on server")
	}

	// A follow-up run moves nothing.
	again := h.MustRun(tdsync.DirectionPullDownThenPushUp)
	if again.ServerStats().Changes != 0 || again.ClientStats().Changes != 0 {
		t.Fatalf("follow-up run echoed data: client=%d server=%d",
			again.ClientStats().Changes, again.ServerStats().Changes)
	}
}

func TestScenario_SoftDeletePropagates(t *testing.T) {
	h := New(t)

	addr := h.SeedAddress(h.ClientStore, "doomed", Base)
	h.MustRun(tdsync.DirectionPushUp)

	// Soft delete on the client.
	row := h.Read(h.ClientStore, models.TypeAddress, addr.SyncID).(*models.Address)
	row.IsDeleted = true
	row.ModifiedOn = time.Now().UTC()
	db, _ := h.ClientStore.GetDatabase()
	if err := db.Repository(models.TypeAddress).Update(row); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := db.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	h.MustRun(tdsync.DirectionPushUp)

	got := h.Read(h.ServerStore, models.TypeAddress, addr.SyncID)
	if got == nil {
		t.Fatal("soft deleted row should still exist on the server")
	}
	if !got.SyncMeta().IsDeleted {
		t.Fatal("delete flag did not propagate")
	}
}
