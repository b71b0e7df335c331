package didwallet

type DocVerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Struct representing a W3C DID document.
type Doc struct {
	Context              []string                `json:"@context"`
	ID                   string                  `json:"id"`
	AlsoKnownAs          []string                `json:"alsoKnownAs,omitempty"`
	VerificationMethod   []DocVerificationMethod `json:"verificationMethod"`
	Authentication       []string                `json:"authentication,omitempty"`
	AssertionMethod      []string                `json:"assertionMethod,omitempty"`
	KeyAgreement         []string                `json:"keyAgreement,omitempty"`
	CapabilityInvocation []string                `json:"capabilityInvocation,omitempty"`
	CapabilityDelegation []string                `json:"capabilityDelegation,omitempty"`
}

var DocContext = []string{
	"https://www.w3.org/ns/did/v1",
	"https://w3id.org/security/multikey/v1",
}

// AddVerificationMethod registers a key under the relationship matching its usage.
// Master and revocation keys only appear in verificationMethod.
func (doc *Doc) AddVerificationMethod(keyID string, usage KeyUsage, publicKeyMultibase string) {
	ref := doc.ID + "#" + keyID
	doc.VerificationMethod = append(doc.VerificationMethod, DocVerificationMethod{
		ID:                 ref,
		Type:               "Multikey",
		Controller:         doc.ID,
		PublicKeyMultibase: publicKeyMultibase,
	})
	switch usage {
	case AuthenticationKey:
		doc.Authentication = append(doc.Authentication, ref)
	case IssuingKey:
		doc.AssertionMethod = append(doc.AssertionMethod, ref)
	case KeyAgreementKey:
		doc.KeyAgreement = append(doc.KeyAgreement, ref)
	case CapabilityInvocationKey:
		doc.CapabilityInvocation = append(doc.CapabilityInvocation, ref)
	case CapabilityDelegationKey:
		doc.CapabilityDelegation = append(doc.CapabilityDelegation, ref)
	}
}
