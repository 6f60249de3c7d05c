package token

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/mjl-/bstore"

	"github.com/dockyard/registry/internal/dcontext"
	"github.com/dockyard/registry/registry/storage/metadata"
)

// ErrServiceKeyUnknown is returned by key administration for an absent kid.
var ErrServiceKeyUnknown = errors.New("service key unknown")

// ServiceKeys keeps the public keys of a service in the metadata store. It
// is the KeySource of verifiers and the backend of the keys command.
type ServiceKeys struct {
	db      *bstore.DB
	service string
	now     func() time.Time
}

// NewServiceKeys returns the key store of service.
func NewServiceKeys(db *bstore.DB, service string) *ServiceKeys {
	return &ServiceKeys{db: db, service: service, now: time.Now}
}

// Keys returns the approved, unexpired keys of the service.
func (s *ServiceKeys) Keys(ctx context.Context) ([]Key, error) {
	now := s.now()
	rows, err := bstore.QueryDB[metadata.ServiceKey](ctx, s.db).FilterNonzero(metadata.ServiceKey{Service: s.service}).FilterFn(func(k metadata.ServiceKey) bool {
		return k.Usable(now)
	}).List()
	if err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(rows))
	for _, row := range rows {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(row.JWK); err != nil {
			dcontext.GetLoggerWithField(ctx, "kid", row.KID).WithError(err).Error("skipping unreadable service key")
			continue
		}
		alg := jwk.Algorithm
		if alg == "" {
			alg = string(jose.RS256)
		}
		keys = append(keys, Key{KID: row.KID, Algorithm: alg, Public: jwk.Key, Expires: row.Expires})
	}
	return keys, nil
}

// Publish stores the public key under kid, replacing a row with the same
// kid. Rotation is the interval after which a new key is expected.
func (s *ServiceKeys) Publish(ctx context.Context, kid, name string, pub crypto.PublicKey, expires time.Time, rotation time.Duration, approved bool) error {
	jwk := jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding service key %s: %w", kid, err)
	}

	return s.db.Write(ctx, func(tx *bstore.Tx) error {
		row := metadata.ServiceKey{KID: kid}
		err := tx.Get(&row)
		if err != nil && !errors.Is(err, bstore.ErrAbsent) {
			return err
		}
		exists := err == nil

		row.Service = s.service
		row.Name = name
		row.JWK = raw
		row.Approved = approved
		row.Expires = expires
		row.RotationSeconds = int64(rotation / time.Second)
		if exists {
			return tx.Update(&row)
		}
		row.Created = s.now()
		return tx.Insert(&row)
	})
}

// List returns every key row of the service, approved or not.
func (s *ServiceKeys) List(ctx context.Context) ([]metadata.ServiceKey, error) {
	return bstore.QueryDB[metadata.ServiceKey](ctx, s.db).FilterNonzero(metadata.ServiceKey{Service: s.service}).SortAsc("Created").List()
}

// Approve marks a key as trusted.
func (s *ServiceKeys) Approve(ctx context.Context, kid string) error {
	return s.update(ctx, kid, func(row *metadata.ServiceKey) {
		row.Approved = true
	})
}

// Revoke withdraws a key. Tokens it signed fail once verifiers drop their
// cached keys.
func (s *ServiceKeys) Revoke(ctx context.Context, kid string) error {
	now := s.now()
	return s.update(ctx, kid, func(row *metadata.ServiceKey) {
		row.Approved = false
		row.Expires = now
	})
}

func (s *ServiceKeys) update(ctx context.Context, kid string, fn func(row *metadata.ServiceKey)) error {
	return s.db.Write(ctx, func(tx *bstore.Tx) error {
		row := metadata.ServiceKey{KID: kid}
		if err := tx.Get(&row); errors.Is(err, bstore.ErrAbsent) || (err == nil && row.Service != s.service) {
			return ErrServiceKeyUnknown
		} else if err != nil {
			return err
		}
		fn(&row)
		return tx.Update(&row)
	})
}

// GenerateKey creates an RSA key and returns it with its PEM encoding.
func GenerateKey(bits int) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadPrivateKey reads a PEM encoded RSA key in PKCS#1 or PKCS#8 form.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(raw)
}

// ParsePrivateKey decodes the first PEM block of raw as an RSA key.
func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM data found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
}
