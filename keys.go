package didwallet

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// KeyUsage is the purpose a DID key is derived for. Each usage owns one derivation
// branch under the DID's index.
type KeyUsage int

const (
	MasterKey KeyUsage = iota + 1
	IssuingKey
	KeyAgreementKey
	AuthenticationKey
	RevocationKey
	CapabilityInvocationKey
	CapabilityDelegationKey
)

var keyUsageNames = map[KeyUsage]string{
	MasterKey:               "master",
	IssuingKey:              "issuing",
	KeyAgreementKey:         "keyAgreement",
	AuthenticationKey:       "authentication",
	RevocationKey:           "revocation",
	CapabilityInvocationKey: "capabilityInvocation",
	CapabilityDelegationKey: "capabilityDelegation",
}

// AllKeyUsages lists every usage in branch order.
var AllKeyUsages = []KeyUsage{
	MasterKey,
	IssuingKey,
	KeyAgreementKey,
	AuthenticationKey,
	RevocationKey,
	CapabilityInvocationKey,
	CapabilityDelegationKey,
}

func (u KeyUsage) valid() bool {
	_, ok := keyUsageNames[u]
	return ok
}

// String returns the usage name, which is also the prefix of default key ids ("master0").
func (u KeyUsage) String() string {
	if name, ok := keyUsageNames[u]; ok {
		return name
	}
	return fmt.Sprintf("KeyUsage(%d)", int(u))
}

// Branch is the hardened derivation index for this usage. Panics on an unknown usage.
func (u KeyUsage) Branch() uint32 {
	if !u.valid() {
		panic(fmt.Sprintf("didwallet: unknown key usage %d", int(u)))
	}
	return uint32(u) - 1
}

// KeyID returns the default id of the idx-th key of this usage.
func (u KeyUsage) KeyID(idx int) string {
	return fmt.Sprintf("%s%d", u.String(), idx)
}

func ParseKeyUsage(s string) (KeyUsage, error) {
	for u, name := range keyUsageNames {
		if strings.EqualFold(name, s) {
			return u, nil
		}
	}
	return 0, fmt.Errorf("unknown key usage: %q", s)
}

func (u KeyUsage) MarshalText() ([]byte, error) {
	if !u.valid() {
		return nil, fmt.Errorf("unknown key usage: %d", int(u))
	}
	return []byte(u.String()), nil
}

func (u *KeyUsage) UnmarshalText(b []byte) error {
	parsed, err := ParseKeyUsage(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// KeyPair is derived on demand and must never be persisted.
type KeyPair struct {
	Private atcrypto.PrivateKey
	Public  atcrypto.PublicKey
}

// DIDKey returns the public key in did:key syntax.
func (kp *KeyPair) DIDKey() string {
	return kp.Public.DIDKey()
}

// Derive computes the key pair at m/didIdx'/branch'/keyIdx' below the BIP-32 master
// key of seed. It is a pure function of its inputs.
func Derive(seed []byte, didIdx int, usage KeyUsage, keyIdx int) (*KeyPair, error) {
	branch := usage.Branch()
	if didIdx < 0 || keyIdx < 0 {
		return nil, fmt.Errorf("%w: negative derivation index", ErrInvalidSeed)
	}
	// indices are hardened, so they must stay below 2^31
	if uint64(didIdx) >= hdkeychain.HardenedKeyStart || uint64(keyIdx) >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: derivation index out of range", ErrInvalidSeed)
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}

	pos := master
	for _, idx := range []uint32{uint32(didIdx), branch, uint32(keyIdx)} {
		pos, err = pos.Derive(hdkeychain.HardenedKeyStart + idx)
		if err != nil {
			return nil, fmt.Errorf("deriving key path: %w", err)
		}
	}

	ecPriv, err := pos.ECPrivKey()
	if err != nil {
		return nil, err
	}
	raw := ecPriv.Serialize()
	defer zero(raw)

	k256, err := atcrypto.ParsePrivateBytesK256(raw)
	if err != nil {
		return nil, err
	}
	var priv atcrypto.PrivateKey = k256
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NewMnemonic returns a random 24 word BIP-39 mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// NormalizeMnemonic accepts words separated by whitespace and/or commas.
func NormalizeMnemonic(mnemonic string) string {
	words := strings.FieldsFunc(mnemonic, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	return strings.Join(words, " ")
}

// SeedFromMnemonic validates the mnemonic checksum and returns the 64 byte seed.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(NormalizeMnemonic(mnemonic), passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mnemonic phrase: %w", ErrInvalidSeed, err)
	}
	return seed, nil
}
