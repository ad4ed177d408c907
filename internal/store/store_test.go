package store

import (
	"errors"
	"testing"
	"time"

	"udpchat/internal/chaterr"
)

// newMemStore opens an in-memory SQLite database, runs migrations, and
// bootstraps root/default. The database is discarded when the test's
// cleanup closes the store.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newMemStore(t)
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("expected %d migrations recorded, got %d", len(migrations), count)
	}
}

func TestBootstrapCreatesRootAndDefault(t *testing.T) {
	s := newMemStore(t)

	users, err := s.UserList()
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0] != "root" {
		t.Fatalf("expected only root user, got %v", users)
	}

	groups, err := s.GroupNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0] != "default" {
		t.Fatalf("expected only default group, got %v", groups)
	}

	// root is bootstrapped directly, not through USR_ADD, so it should not
	// be auto-subscribed to default (SPEC_FULL.md supplemented feature 2a).
	hist, err := s.GroupHistory("root")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Fatalf("expected root to have no group memberships, got %v", hist)
	}
}

func TestNewUserDuplicateReturnsFalse(t *testing.T) {
	s := newMemStore(t)

	created, err := s.NewUser("alice", "pw", "")
	if err != nil || !created {
		t.Fatalf("expected creation, got created=%v err=%v", created, err)
	}
	created, err = s.NewUser("alice", "pw2", "")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected duplicate username to not create a new row")
	}
}

func TestUserLoginUpdatesAddress(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewUser("bob", "secret", ""); err != nil {
		t.Fatal(err)
	}

	valid, err := s.UserLogin("bob", "secret", "1.2.3.4:9000")
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatal("expected valid credentials")
	}

	valid, err = s.UserLogin("bob", "wrong", "1.2.3.4:9000")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("expected invalid credentials to fail")
	}

	addrs, err := s.AddressesForGroup("default")
	if err != nil {
		t.Fatal(err)
	}
	// bob isn't in default unless subscribed; login alone shouldn't add him.
	for _, a := range addrs {
		if a.String() == "1.2.3.4:9000" {
			t.Fatal("bob shouldn't be a member of default just by logging in")
		}
	}

	// Once subscribed, bob's address recorded by the successful login is used.
	if err := s.NewMember("bob", "default"); err != nil {
		t.Fatal(err)
	}
	addrs, err = s.AddressesForGroup("default")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0].String() != "1.2.3.4:9000" {
		t.Fatalf("expected bob's login address 1.2.3.4:9000, got %v", addrs)
	}
}

func TestUserLoginUnknownUser(t *testing.T) {
	s := newMemStore(t)
	_, err := s.UserLogin("ghost", "pw", "")
	if !errors.Is(err, chaterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewGroupCreatorBecomesMember(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewUser("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewGroup("eng", "alice", ""); err != nil {
		t.Fatal(err)
	}
	hist, err := s.GroupHistory("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Name != "eng" {
		t.Fatalf("expected alice to be a member of eng, got %v", hist)
	}
}

func TestNewGroupDuplicateNameFails(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewGroup("eng", "", ""); err != nil {
		t.Fatal(err)
	}
	_, err := s.NewGroup("eng", "", "")
	if !errors.Is(err, chaterr.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestNewMemberIsIdempotent(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewUser("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewGroup("eng", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.NewMember("alice", "eng"); err != nil {
		t.Fatal(err)
	}
	if err := s.NewMember("alice", "eng"); err != nil {
		t.Fatalf("expected idempotent re-subscription to succeed, got %v", err)
	}
}

func TestNewMessageRequiresExistingUserAndGroup(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewUser("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}

	_, err := s.NewMessage("nosuchgroup", "alice", "hi", time.Now())
	if !errors.Is(err, chaterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing group, got %v", err)
	}

	_, err = s.NewMessage("default", "ghost", "hi", time.Now())
	if !errors.Is(err, chaterr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}

	if err := s.NewMember("alice", "default"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewMessage("default", "alice", "hello group", time.Now()); err != nil {
		t.Fatalf("expected message to be saved, got %v", err)
	}

	hist, err := s.MessageHistory("default")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Text != "hello group" || hist[0].Username != "alice" {
		t.Fatalf("unexpected message history: %+v", hist)
	}
}

func TestMessageHistoryDateSentIsRFC3339(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewUser("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.NewMember("alice", "default"); err != nil {
		t.Fatal(err)
	}

	sent := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if _, err := s.NewMessage("default", "alice", "hi", sent); err != nil {
		t.Fatal(err)
	}

	hist, err := s.MessageHistory("default")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 {
		t.Fatalf("expected 1 message, got %d", len(hist))
	}
	want := sent.Format(time.RFC3339)
	if hist[0].DateSent != want {
		t.Fatalf("DateSent = %q, want %q (RFC3339/ISO-8601)", hist[0].DateSent, want)
	}
	if _, err := time.Parse(time.RFC3339, hist[0].DateSent); err != nil {
		t.Fatalf("DateSent %q does not parse as RFC3339: %v", hist[0].DateSent, err)
	}
}

func TestAddressesForGroupSkipsUnparsable(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewUser("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewUser("bob", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.NewMember("alice", "default"); err != nil {
		t.Fatal(err)
	}
	if err := s.NewMember("bob", "default"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateUserAddress("alice", "127.0.0.1:5001"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateUserAddress("bob", "garbage-not-an-address"); err != nil {
		t.Fatal(err)
	}

	addrs, err := s.AddressesForGroup("default")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 1 || addrs[0].String() != "127.0.0.1:5001" {
		t.Fatalf("expected only alice's address, got %v", addrs)
	}
}

func TestDeregisterAddressClearsIt(t *testing.T) {
	s := newMemStore(t)
	if _, err := s.NewUser("alice", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.NewMember("alice", "default"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateUserAddress("alice", "127.0.0.1:5001"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeregisterAddress("127.0.0.1:5001"); err != nil {
		t.Fatal(err)
	}
	addrs, err := s.AddressesForGroup("default")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 0 {
		t.Fatalf("expected no addresses after deregistration, got %v", addrs)
	}
}

func TestParseHostPort(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{name: "valid", in: "127.0.0.1:5000", ok: true},
		{name: "empty", in: "", ok: false},
		{name: "no colon", in: "127.0.0.1", ok: false},
		{name: "empty host", in: ":5000", ok: false},
		{name: "empty port", in: "127.0.0.1:", ok: false},
		{name: "port too large", in: "127.0.0.1:70000", ok: false},
		{name: "port zero", in: "127.0.0.1:0", ok: false},
		{name: "non-numeric port", in: "127.0.0.1:abc", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := ParseHostPort(tc.in)
			if ok != tc.ok {
				t.Fatalf("ParseHostPort(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			}
		})
	}
}
