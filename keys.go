package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	mathrand "math/rand/v2"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// GenerateKey creates a P-256 private JWK. The kid is a time ordered uuid,
// optionally prefixed.
func GenerateKey(kidPrefix *string) (jwk.Key, error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	key, err := jwk.FromRaw(privKey)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	kid := id.String()
	if kidPrefix != nil {
		kid = fmt.Sprintf("%s-%s", *kidPrefix, kid)
	}

	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}

	return key, nil
}

// ParseDpopKey parses a serialized private DPoP JWK as stored on requests and sessions.
func ParseDpopKey(s string) (jwk.Key, error) {
	key, err := jwk.ParseKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDpopKey, err)
	}

	if _, err := getPrivateKey(key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDpopKey, err)
	}

	return key, nil
}

func getPrivateKey(key jwk.Key) (*ecdsa.PrivateKey, error) {
	var pkey ecdsa.PrivateKey
	if err := key.Raw(&pkey); err != nil {
		return nil, err
	}

	if pkey.Curve != elliptic.P256() {
		return nil, ErrInvalidClientKey
	}

	return &pkey, nil
}

func publicJwkMap(key jwk.Key) (map[string]any, error) {
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(pub)
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}

	return m, nil
}

// KeySelector picks the client assertion key for a new authorization request.
type KeySelector interface {
	SelectKey() (string, *ecdsa.PrivateKey, error)
}

type KeySelectorFunc func() (string, *ecdsa.PrivateKey, error)

func (f KeySelectorFunc) SelectKey() (string, *ecdsa.PrivateKey, error) {
	return f()
}

// KeyRing holds the client assertion keys by kid along with the subset that
// may be chosen for new requests. Inactive keys still resolve so sessions
// created with them keep refreshing.
type KeyRing struct {
	set    jwk.Set
	keys   map[string]*ecdsa.PrivateKey
	active []string
}

func NewKeyRing(set jwk.Set, active []string) (*KeyRing, error) {
	if set == nil || set.Len() == 0 {
		return nil, ErrNoClientKeys
	}

	keys := make(map[string]*ecdsa.PrivateKey, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)

		kid := key.KeyID()
		if kid == "" {
			return nil, fmt.Errorf("%w: key at index %d has no kid", ErrInvalidClientKey, i)
		}

		pkey, err := getPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidClientKey, kid, err)
		}

		keys[kid] = pkey
	}

	if len(active) == 0 {
		return nil, ErrNoActiveKeys
	}

	for _, kid := range active {
		if _, ok := keys[kid]; !ok {
			return nil, fmt.Errorf("%w: active key %s", ErrClientKeyNotFound, kid)
		}
	}

	return &KeyRing{
		set:    set,
		keys:   keys,
		active: active,
	}, nil
}

// ReadJwks reads a JWKS either from a file path or from a base64 encoded string.
func ReadJwks(source string) (jwk.Set, error) {
	b, err := os.ReadFile(source)
	if err != nil {
		decoded, derr := base64.StdEncoding.DecodeString(source)
		if derr != nil {
			return nil, fmt.Errorf("signing keys are neither a readable file nor base64: %w", err)
		}
		b = decoded
	}

	set, err := jwk.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("could not parse signing keys: %w", err)
	}

	return set, nil
}

// LoadKeyRing builds a key ring from ReadJwks(source). active is a ';'
// separated list of kids.
func LoadKeyRing(source, active string) (*KeyRing, error) {
	set, err := ReadJwks(source)
	if err != nil {
		return nil, err
	}

	return NewKeyRing(set, ParseActiveKeys(active))
}

func ParseActiveKeys(s string) []string {
	var kids []string
	for _, kid := range strings.Split(s, ";") {
		kid = strings.TrimSpace(kid)
		if kid != "" {
			kids = append(kids, kid)
		}
	}
	return kids
}

func (r *KeyRing) Lookup(kid string) (*ecdsa.PrivateKey, error) {
	key, ok := r.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientKeyNotFound, kid)
	}
	return key, nil
}

// SelectKey returns a random active key.
func (r *KeyRing) SelectKey() (string, *ecdsa.PrivateKey, error) {
	kid := r.active[mathrand.IntN(len(r.active))]
	return kid, r.keys[kid], nil
}

// Fixed returns a selector that always picks kid.
func (r *KeyRing) Fixed(kid string) KeySelector {
	return KeySelectorFunc(func() (string, *ecdsa.PrivateKey, error) {
		key, err := r.Lookup(kid)
		if err != nil {
			return "", nil, err
		}
		return kid, key, nil
	})
}

// PublicJwks is the public half of every key in the ring, for the jwks_uri.
func (r *KeyRing) PublicJwks() (jwk.Set, error) {
	return jwk.PublicSetOf(r.set)
}
