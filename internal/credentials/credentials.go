// Package credentials supplies the site username and password from the OS
// keychain or the environment.
package credentials

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/zalando/go-keyring"
)

const (
	DefaultService = "kv-downloader"
	UserKey        = "KV_USERNAME"
	PasswordKey    = "KV_PASSWORD"
)

// ErrNotFound is returned when a provider holds no credentials.
var ErrNotFound = errors.New("credentials not found; run `kvdl auth` or set KV_USERNAME and KV_PASSWORD")

type Credentials struct {
	User     string `env:"KV_USERNAME"`
	Password string `env:"KV_PASSWORD"`
}

func (c Credentials) complete() bool { return c.User != "" && c.Password != "" }

// Provider returns stored credentials or an error wrapping ErrNotFound.
type Provider interface {
	Credentials() (Credentials, error)
}

// Keyring stores credentials in the OS keychain under Service.
type Keyring struct {
	Service string
}

func (k Keyring) service() string {
	if k.Service == "" {
		return DefaultService
	}
	return k.Service
}

func (k Keyring) Credentials() (Credentials, error) {
	user, err := k.get(UserKey)
	if err != nil {
		return Credentials{}, err
	}
	pass, err := k.get(PasswordKey)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{User: user, Password: pass}, nil
}

func (k Keyring) get(key string) (string, error) {
	v, err := keyring.Get(k.service(), key)
	if errors.Is(err, keyring.ErrNotFound) || (err == nil && v == "") {
		return "", fmt.Errorf("keychain %s/%s: %w", k.service(), key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("keychain %s/%s: %w", k.service(), key, err)
	}
	return v, nil
}

// Save writes both values to the keychain.
func (k Keyring) Save(c Credentials) error {
	if !c.complete() {
		return errors.New("username and password must not be empty")
	}
	if err := keyring.Set(k.service(), UserKey, c.User); err != nil {
		return fmt.Errorf("store username: %w", err)
	}
	if err := keyring.Set(k.service(), PasswordKey, c.Password); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	return nil
}

// Delete removes both values. Missing entries are not an error.
func (k Keyring) Delete() error {
	for _, key := range []string{UserKey, PasswordKey} {
		if err := keyring.Delete(k.service(), key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// Env reads KV_USERNAME and KV_PASSWORD from the environment.
type Env struct{}

func (Env) Credentials() (Credentials, error) {
	c, err := env.ParseAs[Credentials]()
	if err != nil {
		return Credentials{}, fmt.Errorf("parse credential env: %w", err)
	}
	if !c.complete() {
		return Credentials{}, fmt.Errorf("environment: %w", ErrNotFound)
	}
	return c, nil
}

// Chain returns the first provider's credentials that are found. Errors
// other than ErrNotFound stop the search.
type Chain []Provider

func (c Chain) Credentials() (Credentials, error) {
	for _, p := range c {
		creds, err := p.Credentials()
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Credentials{}, err
		}
	}
	return Credentials{}, ErrNotFound
}

// Default prefers the environment over the keychain.
func Default() Provider {
	return Chain{Env{}, Keyring{}}
}

// Static is a fixed provider.
type Static Credentials

func (s Static) Credentials() (Credentials, error) {
	c := Credentials(s)
	if !c.complete() {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}
