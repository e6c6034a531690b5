package gcs

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
)

const (
	// KeyPathEnv names the variable holding the service-account key path.
	KeyPathEnv = "GOOGLE_JSON_KEYPATH"

	// FullControlScope is the OAuth2 scope requested by default.
	FullControlScope = "https://www.googleapis.com/auth/devstorage.full_control"
)

// ResolveKeyPath returns path, or the value of GOOGLE_JSON_KEYPATH when path is
// empty, after checking that the file is reachable.
func ResolveKeyPath(path string) (string, error) {
	if path == "" {
		path = os.Getenv(KeyPathEnv)
		if path == "" {
			return "", fmt.Errorf("%w: envvar %s hasn't been set", ErrCredential, KeyPathEnv)
		}
	}

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: couldn't access the key at %s: %w", ErrCredential, path, err)
	}

	return path, nil
}

// Authenticate loads the service-account key at keyPath and returns an HTTP
// client that signs its requests with it.
func Authenticate(ctx context.Context, keyPath string, scopes ...string) (*http.Client, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key %s: %w", ErrCredential, keyPath, err)
	}

	conf, err := jwtConfig(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: key %s: %w", ErrCredential, keyPath, err)
	}

	return conf.Client(ctx), nil
}

// jwtConfig parses a service-account key. The private key must be PEM so a
// broken key fails here rather than on the first token request.
func jwtConfig(data []byte, scopes ...string) (*jwt.Config, error) {
	if len(scopes) == 0 {
		scopes = []string{FullControlScope}
	}

	conf, err := google.JWTConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse key file: %w", err)
	}

	if conf.Email == "" {
		return nil, errors.New("client_email is missing")
	}
	if len(conf.PrivateKey) == 0 {
		return nil, errors.New("private_key is missing")
	}
	if block, _ := pem.Decode(conf.PrivateKey); block == nil {
		return nil, errors.New("private_key is not PEM encoded")
	}

	return conf, nil
}
