package credentials

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestKeyring_SaveLoadDelete(t *testing.T) {
	keyring.MockInit()
	k := Keyring{Service: "kvdl-test"}

	if _, err := k.Credentials(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty keychain, got %v", err)
	}
	if err := k.Save(Credentials{User: "alice", Password: "s3cret"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := k.Credentials()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.User != "alice" || got.Password != "s3cret" {
		t.Fatalf("unexpected credentials %+v", got)
	}
	if err := k.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := k.Delete(); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := k.Credentials(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestKeyring_SaveRejectsEmpty(t *testing.T) {
	keyring.MockInit()
	if err := (Keyring{}).Save(Credentials{User: "bob"}); err == nil {
		t.Fatalf("expected error for empty password")
	}
}

func TestEnv(t *testing.T) {
	t.Setenv(UserKey, "")
	t.Setenv(PasswordKey, "")
	if _, err := (Env{}).Credentials(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	t.Setenv(UserKey, "carol")
	t.Setenv(PasswordKey, "pw")
	c, err := (Env{}).Credentials()
	if err != nil || c.User != "carol" || c.Password != "pw" {
		t.Fatalf("got %+v, %v", c, err)
	}
}

func TestChain_EnvTakesPrecedence(t *testing.T) {
	keyring.MockInit()
	k := Keyring{Service: "kvdl-chain"}
	if err := k.Save(Credentials{User: "stored", Password: "x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	t.Setenv(UserKey, "")
	t.Setenv(PasswordKey, "")

	chain := Chain{Env{}, k}
	c, err := chain.Credentials()
	if err != nil || c.User != "stored" {
		t.Fatalf("expected keychain fallback, got %+v, %v", c, err)
	}

	t.Setenv(UserKey, "env-user")
	t.Setenv(PasswordKey, "env-pw")
	c, err = chain.Credentials()
	if err != nil || c.User != "env-user" {
		t.Fatalf("expected env to win, got %+v, %v", c, err)
	}
}

type failing struct{ err error }

func (f failing) Credentials() (Credentials, error) { return Credentials{}, f.err }

func TestChain_StopsOnHardError(t *testing.T) {
	boom := errors.New("dbus unavailable")
	_, err := Chain{failing{boom}, Static{User: "u", Password: "p"}}.Credentials()
	if !errors.Is(err, boom) {
		t.Fatalf("expected hard error, got %v", err)
	}
	if _, err := (Chain{}).Credentials(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty chain: %v", err)
	}
}
