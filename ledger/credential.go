package ledger

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/roots-id/go-didwallet"
)

var ErrMalformedCredential = errors.New("malformed signed credential")

// CredentialContent is the signed payload of a credential.
type CredentialContent struct {
	Issuer            string         `json:"id"`
	KeyID             string         `json:"keyId"`
	CredentialSubject map[string]any `json:"credentialSubject"`
}

// SignedCredential is a parsed "<base64url payload>.<base64url signature>" envelope.
type SignedCredential struct {
	Encoded   string
	Content   CredentialContent
	Payload   []byte
	Signature []byte
}

// ClaimSubject turns a claim into a credential subject: the JSON object content plus
// the subject DID under "id".
func ClaimSubject(claim didwallet.Claim) (map[string]any, error) {
	if _, err := syntax.ParseDID(claim.SubjectDID); err != nil {
		return nil, fmt.Errorf("%w: subject: %w", didwallet.ErrInvalidClaim, err)
	}
	subject := map[string]any{}
	if claim.Content != "" {
		dec := json.NewDecoder(strings.NewReader(claim.Content))
		dec.UseNumber()
		if err := dec.Decode(&subject); err != nil {
			return nil, fmt.Errorf("%w: content must be a JSON object: %w", didwallet.ErrInvalidClaim, err)
		}
		if subject == nil {
			return nil, fmt.Errorf("%w: content must be a JSON object", didwallet.ErrInvalidClaim)
		}
	}
	subject["id"] = claim.SubjectDID
	return subject, nil
}

// SignCredential encodes and signs a credential for the claim. encoding/json sorts map
// keys, so the payload is deterministic for a given claim.
func SignCredential(priv atcrypto.PrivateKey, issuerDID, keyID string, claim didwallet.Claim) (*SignedCredential, error) {
	subject, err := ClaimSubject(claim)
	if err != nil {
		return nil, err
	}
	content := CredentialContent{
		Issuer:            issuerDID,
		KeyID:             keyID,
		CredentialSubject: subject,
	}
	payload, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	sig, err := priv.HashAndSign(payload)
	if err != nil {
		return nil, err
	}
	return &SignedCredential{
		Encoded:   base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig),
		Content:   content,
		Payload:   payload,
		Signature: sig,
	}, nil
}

func ParseSignedCredential(encoded string) (*SignedCredential, error) {
	payloadPart, sigPart, found := strings.Cut(encoded, ".")
	if !found || payloadPart == "" || sigPart == "" {
		return nil, fmt.Errorf("%w: expected two segments", ErrMalformedCredential)
	}
	payload, err := base64.RawURLEncoding.Strict().DecodeString(payloadPart)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformedCredential, err)
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(sigPart)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %w", ErrMalformedCredential, err)
	}

	var content CredentialContent
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&content); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	}
	if content.Issuer == "" || content.KeyID == "" {
		return nil, fmt.Errorf("%w: missing issuer or key id", ErrMalformedCredential)
	}
	return &SignedCredential{
		Encoded:   encoded,
		Content:   content,
		Payload:   payload,
		Signature: sig,
	}, nil
}

// Hash is the credential's Merkle leaf: hex sha256 of the full envelope.
func (sc *SignedCredential) Hash() string {
	return CredentialHash(sc.Encoded)
}

func (sc *SignedCredential) VerifySignature(pub atcrypto.PublicKey) error {
	return pub.HashAndVerify(sc.Payload, sc.Signature)
}

func CredentialHash(encoded string) string {
	return hashHex([]byte(encoded))
}
