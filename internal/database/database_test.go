package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wacall/wacall/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrations(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("querying schema_migrations: %v", err)
	}
	if n == 0 {
		t.Error("no migrations recorded")
	}

	if _, err := os.Stat(filepath.Join(dir, "wacall.db")); err != nil {
		t.Errorf("database file: %v", err)
	}
	db.Close()

	// Opening the same directory again must be a no-op, not a failure.
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	db2.Close()
}

func TestCallRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	if _, err := repo.GetByCallID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetByCallID(missing) = %v, want ErrNotFound", err)
	}

	call := &models.Call{
		CallID:         "c-1",
		Direction:      "outbound",
		CustomerNumber: "+14155550123",
		CustomerName:   "Ada",
		BusinessNumber: "+15550100",
		Status:         "negotiating",
		StartedAt:      time.Now().UTC(),
	}
	if err := repo.Create(ctx, call); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if call.ID == 0 {
		t.Error("Create did not set ID")
	}

	got, err := repo.GetByCallID(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetByCallID: %v", err)
	}
	if got.CustomerNumber != call.CustomerNumber || got.Status != "negotiating" {
		t.Errorf("got %+v", got)
	}

	// Provider id correlation after the platform assigns one.
	dur := 42
	now := time.Now().UTC()
	got.ProviderCallID = "wacid.123"
	got.Status = "ended"
	got.AnsweredAt = &now
	got.EndedAt = &now
	got.DurationSeconds = &dur
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	byProv, err := repo.GetByProviderCallID(ctx, "wacid.123")
	if err != nil {
		t.Fatalf("GetByProviderCallID: %v", err)
	}
	if byProv.CallID != "c-1" || byProv.DurationSeconds == nil || *byProv.DurationSeconds != 42 {
		t.Errorf("got %+v", byProv)
	}
}

func TestCallListFiltersAndCounts(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRepository(db)
	ctx := context.Background()

	seed := []models.Call{
		{CallID: "a", Direction: "outbound", CustomerNumber: "+1111111111", Status: "ended"},
		{CallID: "b", Direction: "outbound", CustomerNumber: "+1222222222", Status: "failed"},
		{CallID: "c", Direction: "inbound", CustomerNumber: "+1111111111", Status: "ended"},
	}
	for i := range seed {
		seed[i].BusinessNumber = "+15550100"
		seed[i].StartedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("Create %s: %v", seed[i].CallID, err)
		}
	}

	tests := []struct {
		name   string
		filter CallListFilter
		want   int
	}{
		{"all", CallListFilter{}, 3},
		{"outbound", CallListFilter{Direction: "outbound"}, 2},
		{"failed", CallListFilter{Status: "failed"}, 1},
		{"by customer", CallListFilter{CustomerNumber: "+1111111111"}, 2},
		{"combined", CallListFilter{Direction: "inbound", CustomerNumber: "+1111111111"}, 1},
		{"limited", CallListFilter{Limit: 2}, 2},
	}
	for _, tc := range tests {
		got, err := repo.List(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: List: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Errorf("%s: got %d calls, want %d", tc.name, len(got), tc.want)
		}
	}

	// Most recent first.
	all, err := repo.List(ctx, CallListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if all[0].CallID != "c" {
		t.Errorf("first call = %s, want c", all[0].CallID)
	}

	counts, err := repo.CountByDisposition(ctx)
	if err != nil {
		t.Fatalf("CountByDisposition: %v", err)
	}
	if counts["ended"] != 2 || counts["failed"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestPermissionRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewPermissionRepository(db)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "+1111111111", "+15550100"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	granted := time.Now().UTC().Truncate(time.Second)
	expires := granted.Add(7 * 24 * time.Hour)
	perm := &models.CallPermission{
		CustomerNumber: "+1111111111",
		BusinessNumber: "+15550100",
		Status:         models.PermissionGranted,
		GrantedAt:      &granted,
		ExpiresAt:      &expires,
		CallsIn24h:     2,
	}
	if err := repo.Create(ctx, perm); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "+1111111111", "+15550100")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.PermissionGranted || got.CallsIn24h != 2 {
		t.Errorf("got %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, expires)
	}

	got.Status = models.PermissionDenied
	got.CallsIn24h = 0
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, err := repo.Get(ctx, "+1111111111", "+15550100")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if again.Status != models.PermissionDenied {
		t.Errorf("status = %s, want denied", again.Status)
	}
}

func TestPermissionListAndExpire(t *testing.T) {
	db := openTestDB(t)
	repo := NewPermissionRepository(db)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	seed := []models.CallPermission{
		{CustomerNumber: "+1111111111", Status: models.PermissionGranted, ExpiresAt: &past},
		{CustomerNumber: "+1222222222", Status: models.PermissionGranted, ExpiresAt: &future},
		{CustomerNumber: "+1333333333", Status: models.PermissionRequested},
	}
	for i := range seed {
		seed[i].BusinessNumber = "+15550100"
		if err := repo.Create(ctx, &seed[i]); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	granted, err := repo.List(ctx, models.PermissionGranted)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(granted) != 2 {
		t.Fatalf("got %d granted, want 2", len(granted))
	}

	n, err := repo.ExpireGranted(ctx)
	if err != nil {
		t.Fatalf("ExpireGranted: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d rows, want 1", n)
	}

	expired, err := repo.List(ctx, models.PermissionExpired)
	if err != nil {
		t.Fatalf("List expired: %v", err)
	}
	if len(expired) != 1 || expired[0].CustomerNumber != "+1111111111" {
		t.Errorf("expired = %+v", expired)
	}
}

func TestNumberRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewNumberRepository(db)
	ctx := context.Background()

	if _, err := repo.FirstActive(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FirstActive(empty) = %v, want ErrNotFound", err)
	}

	num := &models.BusinessNumber{
		PhoneNumber:   "+15550100",
		PhoneNumberID: "1234567890",
		DisplayName:   "Support",
		Status:        "active",
		AccessToken:   "tok-secret",
	}
	if err := repo.Create(ctx, num); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByPhoneNumber(ctx, "+15550100")
	if err != nil {
		t.Fatalf("GetByPhoneNumber: %v", err)
	}
	if got.PhoneNumberID != "1234567890" || got.AccessToken != "tok-secret" {
		t.Errorf("got %+v", got)
	}

	first, err := repo.FirstActive(ctx)
	if err != nil {
		t.Fatalf("FirstActive: %v", err)
	}
	if first.PhoneNumber != "+15550100" {
		t.Errorf("FirstActive = %s", first.PhoneNumber)
	}

	if err := repo.TouchLastUsed(ctx, "+15550100"); err != nil {
		t.Fatalf("TouchLastUsed: %v", err)
	}
	touched, err := repo.GetByPhoneNumber(ctx, "+15550100")
	if err != nil {
		t.Fatalf("GetByPhoneNumber: %v", err)
	}
	if touched.LastUsedAt == nil {
		t.Error("LastUsedAt not set")
	}

	got.Status = "disabled"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, err := repo.FirstActive(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("FirstActive with all disabled = %v, want ErrNotFound", err)
	}

	nums, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(nums) != 1 {
		t.Errorf("got %d numbers, want 1", len(nums))
	}
}

func TestAgentRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewAgentRepository(db)
	ctx := context.Background()

	n, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Fatalf("empty count = %d", n)
	}

	hash, err := HashPassword("hunter2-but-longer")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	agent := &models.Agent{Username: "ada", DisplayName: "Ada", PasswordHash: hash}
	if err := repo.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByUsername(ctx, "ada")
	if err != nil {
		t.Fatalf("GetByUsername: %v", err)
	}
	ok, err := CheckPassword("hunter2-but-longer", got.PasswordHash)
	if err != nil || !ok {
		t.Errorf("CheckPassword = %v, %v", ok, err)
	}

	if _, err := repo.GetByUsername(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByUsername(ghost) = %v, want ErrNotFound", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	ok, err := CheckPassword("correct horse battery staple", hash)
	if err != nil || !ok {
		t.Fatalf("CheckPassword(correct) = %v, %v", ok, err)
	}
	ok, err = CheckPassword("wrong password", hash)
	if err != nil || ok {
		t.Fatalf("CheckPassword(wrong) = %v, %v", ok, err)
	}
	if _, err := CheckPassword("x", "not-an-encoded-hash"); err == nil {
		t.Error("malformed hash did not error")
	}

	// Hashes are salted.
	hash2, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if hash == hash2 {
		t.Error("two hashes of the same password are identical")
	}
}
