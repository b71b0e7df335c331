package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/roots-id/go-didwallet"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

const DIDPrefix = "did:wal:"

const (
	TypeCreateDid         = "create_did"
	TypeUpdateDid         = "update_did"
	TypeIssueCredentials  = "issue_credentials"
	TypeRevokeCredentials = "revoke_credentials"
)

// Interface implemented by all operation types.
type Operation interface {
	// CID of the full (signed) operation; its string form is the operation id
	CID() cid.Cid
	// hex sha256 of the unsigned CBOR bytes; the link referenced by the next operation
	Hash() string
	// serializes a copy of the op as CBOR, with the `sig` field omitted
	UnsignedCBORBytes() []byte
	// serializes a copy of the op as CBOR, with the `sig` field included
	SignedCBORBytes() []byte
	IsSigned() bool
	// signs the object in-place
	Sign(priv atcrypto.PrivateKey) error
	// returns atcrypto.ErrInvalidSignature if appropriate
	VerifySignature(pub atcrypto.PublicKey) error
	// canonical DID the operation applies to
	TargetDID() string
	// hash of the operation this one extends ("" for DID creation)
	PrevHash() string
	// id of the DID key that signs the operation
	SignerKeyID() string
	OpType() string
}

// PublicKeyEntry is a public key as published on the ledger.
type PublicKeyEntry struct {
	ID    string `json:"id" cborgen:"id" refmt:"id"`
	Usage string `json:"usage" cborgen:"usage"`
	Key   string `json:"key" cborgen:"key"`
}

// Creates a DID. The canonical DID is derived from the hash of this operation.
type CreateDidOp struct {
	// Type is "create_did"
	Type       string           `json:"type" cborgen:"type"`
	SignedWith string           `json:"signedWith" cborgen:"signedWith"`
	PublicKeys []PublicKeyEntry `json:"publicKeys" cborgen:"publicKeys"`
	Sig        *string          `json:"sig,omitempty" cborgen:"sig,omitempty" refmt:"sig,omitempty"`
}

// Adds and/or revokes keys of an existing DID. Signed by a master key.
type UpdateDidOp struct {
	// Type is "update_did"
	Type       string           `json:"type" cborgen:"type"`
	Did        string           `json:"did" cborgen:"did"`
	Prev       string           `json:"prev" cborgen:"prev"`
	SignedWith string           `json:"signedWith" cborgen:"signedWith"`
	AddKeys    []PublicKeyEntry `json:"addKeys" cborgen:"addKeys"`
	RevokeKeys []string         `json:"revokeKeys" cborgen:"revokeKeys"`
	Sig        *string          `json:"sig,omitempty" cborgen:"sig,omitempty" refmt:"sig,omitempty"`
}

// Anchors the Merkle root of a credential batch. Signed by an issuing key.
type IssueCredentialsOp struct {
	// Type is "issue_credentials"
	Type       string  `json:"type" cborgen:"type"`
	Did        string  `json:"did" cborgen:"did"`
	Prev       string  `json:"prev" cborgen:"prev"`
	SignedWith string  `json:"signedWith" cborgen:"signedWith"`
	MerkleRoot string  `json:"merkleRoot" cborgen:"merkleRoot"`
	Sig        *string `json:"sig,omitempty" cborgen:"sig,omitempty" refmt:"sig,omitempty"`
}

// Revokes credentials of a batch. An empty CredentialHashes list revokes the whole batch.
// Prev is the hash of the operation that anchored the batch. Signed by a revocation key.
type RevokeCredentialsOp struct {
	// Type is "revoke_credentials"
	Type             string   `json:"type" cborgen:"type"`
	Did              string   `json:"did" cborgen:"did"`
	Prev             string   `json:"prev" cborgen:"prev"`
	SignedWith       string   `json:"signedWith" cborgen:"signedWith"`
	BatchID          string   `json:"batchId" cborgen:"batchId" refmt:"batchId"`
	CredentialHashes []string `json:"credentialHashes" cborgen:"credentialHashes"`
	Sig              *string  `json:"sig,omitempty" cborgen:"sig,omitempty" refmt:"sig,omitempty"`
}

var _ Operation = (*CreateDidOp)(nil)
var _ Operation = (*UpdateDidOp)(nil)
var _ Operation = (*IssueCredentialsOp)(nil)
var _ Operation = (*RevokeCredentialsOp)(nil)

// A concrete type representing a single operation of any type.
type OpEnum struct {
	CreateDid         *CreateDidOp
	UpdateDid         *UpdateDidOp
	IssueCredentials  *IssueCredentialsOp
	RevokeCredentials *RevokeCredentialsOp
}

var ErrNotSignedOp = errors.New("not a signed operation")
var ErrInvalidLongForm = errors.New("invalid long-form DID")

func init() {
	cbor.RegisterCborType(PublicKeyEntry{})
	cbor.RegisterCborType(CreateDidOp{})
	cbor.RegisterCborType(UpdateDidOp{})
	cbor.RegisterCborType(IssueCredentialsOp{})
	cbor.RegisterCborType(RevokeCredentialsOp{})
	cbor.RegisterCborType(batchData{})
}

func computeCID(b []byte) cid.Cid {
	cidBuilder := cid.V1Builder{Codec: 0x71, MhType: 0x12, MhLength: 0}
	c, err := cidBuilder.Sum(b)
	if err != nil {
		return cid.Undef
	}
	return c
}

func dumpCBOR(v any) []byte {
	out, err := cbor.DumpObject(v)
	if err != nil {
		return nil
	}
	return out
}

func hashHex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func signOp(op Operation, priv atcrypto.PrivateKey) (*string, error) {
	sig, err := priv.HashAndSign(op.UnsignedCBORBytes())
	if err != nil {
		return nil, err
	}
	b64 := base64.RawURLEncoding.EncodeToString(sig)
	return &b64, nil
}

func verifySigOp(op Operation, pub atcrypto.PublicKey, sig *string) error {
	if sig == nil || *sig == "" {
		return fmt.Errorf("can't verify empty signature")
	}

	// .Strict() alone does not reject CR/LF
	if strings.Contains(*sig, "\r") || strings.Contains(*sig, "\n") {
		return fmt.Errorf("invalid signature encoding (CRLF)")
	}

	sigBytes, err := base64.RawURLEncoding.Strict().DecodeString(*sig)
	if err != nil {
		return err
	}
	return pub.HashAndVerify(op.UnsignedCBORBytes(), sigBytes)
}

func isSigned(sig *string) bool {
	return sig != nil && *sig != ""
}

// NewPublicKeyEntry describes a derived key for publication.
func NewPublicKeyEntry(keyID string, usage didwallet.KeyUsage, kp *didwallet.KeyPair) PublicKeyEntry {
	return PublicKeyEntry{
		ID:    keyID,
		Usage: usage.String(),
		Key:   kp.DIDKey(),
	}
}

func (k PublicKeyEntry) KeyUsage() (didwallet.KeyUsage, error) {
	return didwallet.ParseKeyUsage(k.Usage)
}

func (k PublicKeyEntry) PublicKey() (atcrypto.PublicKey, error) {
	return atcrypto.ParsePublicDIDKey(k.Key)
}

func NewCreateDidOp(signedWith string, keys []PublicKeyEntry) *CreateDidOp {
	return &CreateDidOp{
		Type:       TypeCreateDid,
		SignedWith: signedWith,
		PublicKeys: keys,
	}
}

func NewUpdateDidOp(did, prev, signedWith string, addKeys []PublicKeyEntry, revokeKeys []string) *UpdateDidOp {
	if addKeys == nil {
		addKeys = []PublicKeyEntry{}
	}
	if revokeKeys == nil {
		revokeKeys = []string{}
	}
	return &UpdateDidOp{
		Type:       TypeUpdateDid,
		Did:        did,
		Prev:       prev,
		SignedWith: signedWith,
		AddKeys:    addKeys,
		RevokeKeys: revokeKeys,
	}
}

func NewIssueCredentialsOp(did, prev, signedWith, merkleRoot string) *IssueCredentialsOp {
	return &IssueCredentialsOp{
		Type:       TypeIssueCredentials,
		Did:        did,
		Prev:       prev,
		SignedWith: signedWith,
		MerkleRoot: merkleRoot,
	}
}

func NewRevokeCredentialsOp(did, prev, signedWith, batchID string, credentialHashes []string) *RevokeCredentialsOp {
	if credentialHashes == nil {
		credentialHashes = []string{}
	}
	return &RevokeCredentialsOp{
		Type:             TypeRevokeCredentials,
		Did:              did,
		Prev:             prev,
		SignedWith:       signedWith,
		BatchID:          batchID,
		CredentialHashes: credentialHashes,
	}
}

func (op *CreateDidOp) CID() cid.Cid {
	return computeCID(op.SignedCBORBytes())
}

func (op *CreateDidOp) Hash() string {
	return hashHex(op.UnsignedCBORBytes())
}

func (op *CreateDidOp) UnsignedCBORBytes() []byte {
	unsigned := *op
	unsigned.Sig = nil
	return dumpCBOR(unsigned)
}

func (op *CreateDidOp) SignedCBORBytes() []byte {
	return dumpCBOR(op)
}

func (op *CreateDidOp) IsSigned() bool {
	return isSigned(op.Sig)
}

func (op *CreateDidOp) Sign(priv atcrypto.PrivateKey) error {
	sig, err := signOp(op, priv)
	if err != nil {
		return err
	}
	op.Sig = sig
	return nil
}

func (op *CreateDidOp) VerifySignature(pub atcrypto.PublicKey) error {
	return verifySigOp(op, pub, op.Sig)
}

// The canonical DID is a function of the unsigned operation only, so it is known
// before the DID is published.
func (op *CreateDidOp) TargetDID() string {
	return DIDPrefix + op.Hash()
}

func (op *CreateDidOp) PrevHash() string {
	return ""
}

func (op *CreateDidOp) SignerKeyID() string {
	return op.SignedWith
}

func (op *CreateDidOp) OpType() string {
	return TypeCreateDid
}

// LongFormDID embeds the unsigned create operation, which makes the DID self-certifying.
func (op *CreateDidOp) LongFormDID() string {
	return op.TargetDID() + ":" + base64.RawURLEncoding.EncodeToString(op.UnsignedCBORBytes())
}

func (op *UpdateDidOp) CID() cid.Cid {
	return computeCID(op.SignedCBORBytes())
}

func (op *UpdateDidOp) Hash() string {
	return hashHex(op.UnsignedCBORBytes())
}

func (op *UpdateDidOp) UnsignedCBORBytes() []byte {
	unsigned := *op
	unsigned.Sig = nil
	return dumpCBOR(unsigned)
}

func (op *UpdateDidOp) SignedCBORBytes() []byte {
	return dumpCBOR(op)
}

func (op *UpdateDidOp) IsSigned() bool {
	return isSigned(op.Sig)
}

func (op *UpdateDidOp) Sign(priv atcrypto.PrivateKey) error {
	sig, err := signOp(op, priv)
	if err != nil {
		return err
	}
	op.Sig = sig
	return nil
}

func (op *UpdateDidOp) VerifySignature(pub atcrypto.PublicKey) error {
	return verifySigOp(op, pub, op.Sig)
}

func (op *UpdateDidOp) TargetDID() string {
	return op.Did
}

func (op *UpdateDidOp) PrevHash() string {
	return op.Prev
}

func (op *UpdateDidOp) SignerKeyID() string {
	return op.SignedWith
}

func (op *UpdateDidOp) OpType() string {
	return TypeUpdateDid
}

func (op *IssueCredentialsOp) CID() cid.Cid {
	return computeCID(op.SignedCBORBytes())
}

func (op *IssueCredentialsOp) Hash() string {
	return hashHex(op.UnsignedCBORBytes())
}

func (op *IssueCredentialsOp) UnsignedCBORBytes() []byte {
	unsigned := *op
	unsigned.Sig = nil
	return dumpCBOR(unsigned)
}

func (op *IssueCredentialsOp) SignedCBORBytes() []byte {
	return dumpCBOR(op)
}

func (op *IssueCredentialsOp) IsSigned() bool {
	return isSigned(op.Sig)
}

func (op *IssueCredentialsOp) Sign(priv atcrypto.PrivateKey) error {
	sig, err := signOp(op, priv)
	if err != nil {
		return err
	}
	op.Sig = sig
	return nil
}

func (op *IssueCredentialsOp) VerifySignature(pub atcrypto.PublicKey) error {
	return verifySigOp(op, pub, op.Sig)
}

func (op *IssueCredentialsOp) TargetDID() string {
	return op.Did
}

func (op *IssueCredentialsOp) PrevHash() string {
	return op.Prev
}

func (op *IssueCredentialsOp) SignerKeyID() string {
	return op.SignedWith
}

func (op *IssueCredentialsOp) OpType() string {
	return TypeIssueCredentials
}

// BatchID identifies the batch anchored by this operation.
func (op *IssueCredentialsOp) BatchID() string {
	return BatchID(op.Did, op.MerkleRoot)
}

func (op *RevokeCredentialsOp) CID() cid.Cid {
	return computeCID(op.SignedCBORBytes())
}

func (op *RevokeCredentialsOp) Hash() string {
	return hashHex(op.UnsignedCBORBytes())
}

func (op *RevokeCredentialsOp) UnsignedCBORBytes() []byte {
	unsigned := *op
	unsigned.Sig = nil
	return dumpCBOR(unsigned)
}

func (op *RevokeCredentialsOp) SignedCBORBytes() []byte {
	return dumpCBOR(op)
}

func (op *RevokeCredentialsOp) IsSigned() bool {
	return isSigned(op.Sig)
}

func (op *RevokeCredentialsOp) Sign(priv atcrypto.PrivateKey) error {
	sig, err := signOp(op, priv)
	if err != nil {
		return err
	}
	op.Sig = sig
	return nil
}

func (op *RevokeCredentialsOp) VerifySignature(pub atcrypto.PublicKey) error {
	return verifySigOp(op, pub, op.Sig)
}

func (op *RevokeCredentialsOp) TargetDID() string {
	return op.Did
}

func (op *RevokeCredentialsOp) PrevHash() string {
	return op.Prev
}

func (op *RevokeCredentialsOp) SignerKeyID() string {
	return op.SignedWith
}

func (op *RevokeCredentialsOp) OpType() string {
	return TypeRevokeCredentials
}

// CanonicalDID strips the encoded initial state from a long-form DID.
func CanonicalDID(did string) string {
	if !strings.HasPrefix(did, DIDPrefix) {
		return did
	}
	suffix, _, _ := strings.Cut(strings.TrimPrefix(did, DIDPrefix), ":")
	return DIDPrefix + suffix
}

// ParseLongFormDID decodes the create operation embedded in a long-form DID and checks
// that it hashes to the canonical suffix.
func ParseLongFormDID(did string) (*CreateDidOp, error) {
	if !strings.HasPrefix(did, DIDPrefix) {
		return nil, fmt.Errorf("%w: wrong method prefix", ErrInvalidLongForm)
	}
	suffix, encoded, found := strings.Cut(strings.TrimPrefix(did, DIDPrefix), ":")
	if !found {
		return nil, fmt.Errorf("%w: missing encoded state", ErrInvalidLongForm)
	}
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLongForm, err)
	}
	var op CreateDidOp
	if err := cbor.DecodeInto(b, &op); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidLongForm, err)
	}
	if op.Type != TypeCreateDid {
		return nil, fmt.Errorf("%w: unexpected operation type %q", ErrInvalidLongForm, op.Type)
	}
	if op.Hash() != suffix {
		return nil, fmt.Errorf("%w: initial state does not match DID suffix", ErrInvalidLongForm)
	}
	return &op, nil
}

// NewOpEnum wraps a typed operation.
func NewOpEnum(op Operation) (*OpEnum, error) {
	switch v := op.(type) {
	case *CreateDidOp:
		return &OpEnum{CreateDid: v}, nil
	case *UpdateDidOp:
		return &OpEnum{UpdateDid: v}, nil
	case *IssueCredentialsOp:
		return &OpEnum{IssueCredentials: v}, nil
	case *RevokeCredentialsOp:
		return &OpEnum{RevokeCredentials: v}, nil
	default:
		return nil, fmt.Errorf("unexpected operation type: %T", op)
	}
}

func (o OpEnum) MarshalJSON() ([]byte, error) {
	if o.CreateDid != nil {
		return json.Marshal(o.CreateDid)
	} else if o.UpdateDid != nil {
		return json.Marshal(o.UpdateDid)
	} else if o.IssueCredentials != nil {
		return json.Marshal(o.IssueCredentials)
	} else if o.RevokeCredentials != nil {
		return json.Marshal(o.RevokeCredentials)
	}
	return nil, fmt.Errorf("can't marshal empty OpEnum")
}

// like json.Unmarshal, but rejecting objects with unknown fields
func strictUnmarshal(b []byte, v interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func (o *OpEnum) UnmarshalJSON(b []byte) error {
	var typeMap map[string]interface{}
	err := json.Unmarshal(b, &typeMap)
	if err != nil {
		return err
	}
	typ, ok := typeMap["type"]
	if !ok {
		return fmt.Errorf("did not find expected operation 'type' field")
	}

	switch typ {
	case TypeCreateDid:
		o.CreateDid = &CreateDidOp{}
		return strictUnmarshal(b, o.CreateDid)
	case TypeUpdateDid:
		o.UpdateDid = &UpdateDidOp{}
		return strictUnmarshal(b, o.UpdateDid)
	case TypeIssueCredentials:
		o.IssueCredentials = &IssueCredentialsOp{}
		return strictUnmarshal(b, o.IssueCredentials)
	case TypeRevokeCredentials:
		o.RevokeCredentials = &RevokeCredentialsOp{}
		return strictUnmarshal(b, o.RevokeCredentials)
	default:
		return fmt.Errorf("unexpected operation type: %s", typ)
	}
}

func (o *OpEnum) AsOperation() Operation {
	if o.CreateDid != nil {
		return o.CreateDid
	} else if o.UpdateDid != nil {
		return o.UpdateDid
	} else if o.IssueCredentials != nil {
		return o.IssueCredentials
	} else if o.RevokeCredentials != nil {
		return o.RevokeCredentials
	}
	return nil
}
