// Package turnrest mints coturn-compatible TURN REST credentials for clients
// fetching their ICE server list.
//
// Algorithm (draft-uberti-behave-turn-rest, as implemented by coturn):
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<peer_id_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string
	now            func() time.Time
}

type GeneratorConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now overrides the clock in tests.
	Now func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("turnrest: TTLSeconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: UsernamePrefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: UsernamePrefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials scoped to the given id (typically a peer ID).
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return Credentials{}, fmt.Errorf("turnrest: generate random id: %w", err)
		}
		id = hex.EncodeToString(buf[:])
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("turnrest: id must not contain ':'")
	}

	expiry := g.now().UTC().Unix() + g.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, g.usernamePrefix, id)

	mac := hmac.New(sha1.New, g.sharedSecret)
	mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}
