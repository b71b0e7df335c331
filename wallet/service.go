package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/ledger"
	"github.com/roots-id/go-didwallet/txlog"
)

// Service is the wallet aggregate. Every ledger-affecting call is serialized per DID,
// recorded in the tx log, and only then persisted in the wallet document.
type Service struct {
	wallets didwallet.WalletStorage
	txlog   *txlog.Log
	ledger  ledger.Ledger
	dids    *DidManager
	creds   *CredentialEngine
	// "walletID/alias", held for the whole submit-record-persist sequence
	didLocks *InFlight
	// walletID, held only while a wallet document is reloaded, changed and written
	walletLocks *InFlight
	logger      *slog.Logger
}

func NewService(wallets didwallet.WalletStorage, log *txlog.Log, l ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		wallets:     wallets,
		txlog:       log,
		ledger:      l,
		dids:        NewDidManager(l),
		creds:       NewCredentialEngine(l),
		didLocks:    NewInFlight(),
		walletLocks: NewInFlight(),
		logger:      logger.With("component", "wallet"),
	}
	log.OnStatusChange(s.onStatusChange)
	return s
}

func didLockKey(walletID, alias string) string {
	return walletID + "/" + alias
}

func (s *Service) lockDid(ctx context.Context, walletID, alias string) (func(), error) {
	key := didLockKey(walletID, alias)
	if err := s.didLocks.Acquire(ctx, key); err != nil {
		return nil, err
	}
	return func() { s.didLocks.Release(key) }, nil
}

// update reloads the wallet, applies fn and writes it back, under the wallet lock.
func (s *Service) update(ctx context.Context, walletID string, fn func(w *didwallet.Wallet) error) error {
	if err := s.walletLocks.Acquire(ctx, walletID); err != nil {
		return err
	}
	defer s.walletLocks.Release(walletID)

	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return err
	}
	if err := fn(w); err != nil {
		return err
	}
	if err := s.wallets.Update(ctx, w); err != nil {
		return fmt.Errorf("%w: updating wallet %s: %w", didwallet.ErrStorageFailure, walletID, err)
	}
	return nil
}

// commit records a submitted operation and then persists its effect. The operation is
// already on the ledger, so any failure here is a storage failure.
func (s *Service) commit(ctx context.Context, walletID, opID string, action didwallet.TxAction, description, subject string, fn func(w *didwallet.Wallet) error) error {
	_, recErr := s.txlog.Record(ctx, opID, walletID, action, description, subject)
	if recErr != nil {
		s.logger.Error("operation submitted but not recorded", "wallet", walletID, "operation", opID, "action", action, "error", recErr)
	}

	err := s.update(ctx, walletID, fn)
	if err != nil {
		s.logger.Error("operation submitted but wallet not persisted", "wallet", walletID, "operation", opID, "action", action, "error", err)
		if !errors.Is(err, didwallet.ErrStorageFailure) {
			err = fmt.Errorf("%w: %w", didwallet.ErrStorageFailure, err)
		}
	}
	return errors.Join(recErr, err)
}

func replaceDid(w *didwallet.Wallet, did *didwallet.Did) error {
	existing := w.FindDid(did.Alias)
	if existing == nil {
		return fmt.Errorf("%w: DID %q in wallet %s", didwallet.ErrNotFound, did.Alias, w.ID)
	}
	*existing = did.Clone()
	return nil
}

func replaceCredential(w *didwallet.Wallet, cred *didwallet.IssuedCredential) error {
	existing := w.FindIssuedCredential(cred.Alias)
	if existing == nil {
		return fmt.Errorf("%w: credential %q in wallet %s", didwallet.ErrNotFound, cred.Alias, w.ID)
	}
	*existing = cred.Clone()
	return nil
}

// loadDid returns a private copy of the wallet and of one of its DIDs.
func (s *Service) loadDid(ctx context.Context, walletID, alias string) (*didwallet.Wallet, *didwallet.Did, error) {
	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, nil, err
	}
	d := w.FindDid(alias)
	if d == nil {
		return nil, nil, fmt.Errorf("%w: DID %q in wallet %s", didwallet.ErrNotFound, alias, walletID)
	}
	did := d.Clone()
	return w, &did, nil
}

// CreateWallet creates a wallet from a mnemonic, generating a 24 word one when blank.
// A blank id is replaced with a random UUID. Returns the mnemonic actually used.
func (s *Service) CreateWallet(ctx context.Context, id, mnemonic, passphrase string) (*didwallet.Wallet, string, error) {
	mnemonic = didwallet.NormalizeMnemonic(mnemonic)
	if mnemonic == "" {
		var err error
		mnemonic, err = didwallet.NewMnemonic()
		if err != nil {
			return nil, "", err
		}
	}
	seed, err := didwallet.SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	w := &didwallet.Wallet{
		ID:                  id,
		Seed:                seed,
		Dids:                []didwallet.Did{},
		IssuedCredentials:   []didwallet.IssuedCredential{},
		ImportedCredentials: []didwallet.ImportedCredential{},
	}
	if err := s.wallets.Insert(ctx, w); err != nil {
		if errors.Is(err, didwallet.ErrDuplicateIdentifier) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %w", didwallet.ErrStorageFailure, err)
	}
	s.logger.Info("created wallet", "wallet", id)
	return w, mnemonic, nil
}

func (s *Service) GetWallet(ctx context.Context, walletID string) (*didwallet.Wallet, error) {
	return s.wallets.FindByID(ctx, walletID)
}

func (s *Service) ListWallets(ctx context.Context) ([]*didwallet.Wallet, error) {
	return s.wallets.List(ctx)
}

// CreateDid derives a new DID in the wallet. The DID stays local until published.
func (s *Service) CreateDid(ctx context.Context, walletID, alias string, includeIssuerKeys bool) (*didwallet.Did, error) {
	if strings.TrimSpace(alias) == "" {
		return nil, fmt.Errorf("%w: empty DID alias", didwallet.ErrInvalidState)
	}

	var created *didwallet.Did
	err := s.update(ctx, walletID, func(w *didwallet.Wallet) error {
		if w.FindDid(alias) != nil {
			return fmt.Errorf("%w: DID %q in wallet %s", didwallet.ErrDuplicateIdentifier, alias, walletID)
		}
		did, err := s.dids.CreateDid(alias, w.NextDidIdx(), w.Seed, includeIssuerKeys)
		if err != nil {
			return err
		}
		w.Dids = append(w.Dids, *did)
		created = did
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("created DID", "wallet", walletID, "alias", alias, "did", created.URI)
	return created, nil
}

func (s *Service) GetDid(ctx context.Context, walletID, alias string) (*didwallet.Did, error) {
	return s.wallets.FindDidByAlias(ctx, walletID, alias)
}

func (s *Service) ListDids(ctx context.Context, walletID string) ([]didwallet.Did, error) {
	return s.wallets.ListDids(ctx, walletID)
}

// PublishDid submits the DID's create operation. Returns the operation id.
func (s *Service) PublishDid(ctx context.Context, walletID, alias string) (string, error) {
	release, err := s.lockDid(ctx, walletID, alias)
	if err != nil {
		return "", err
	}
	defer release()

	w, did, err := s.loadDid(ctx, walletID, alias)
	if err != nil {
		return "", err
	}
	opID, err := s.dids.Publish(ctx, did, w.Seed)
	if err != nil {
		return "", err
	}
	s.logger.Info("published DID", "wallet", walletID, "alias", alias, "did", did.URI, "operation", opID)

	err = s.commit(ctx, walletID, opID, didwallet.ActionPublishDid, "publish DID "+did.URI, alias, func(w *didwallet.Wallet) error {
		return replaceDid(w, did)
	})
	return opID, err
}

// AddKey adds the next key of the given usage to a published DID.
func (s *Service) AddKey(ctx context.Context, walletID, alias, keyID string, usage didwallet.KeyUsage) (string, error) {
	release, err := s.lockDid(ctx, walletID, alias)
	if err != nil {
		return "", err
	}
	defer release()

	w, did, err := s.loadDid(ctx, walletID, alias)
	if err != nil {
		return "", err
	}
	opID, err := s.dids.AddKey(ctx, did, w.Seed, keyID, usage)
	if err != nil {
		return "", err
	}
	s.logger.Info("added key", "wallet", walletID, "alias", alias, "key", keyID, "usage", usage, "operation", opID)

	desc := fmt.Sprintf("add %s key %s to %s", usage, keyID, did.URI)
	err = s.commit(ctx, walletID, opID, didwallet.ActionAddKey, desc, alias, func(w *didwallet.Wallet) error {
		return replaceDid(w, did)
	})
	return opID, err
}

// RevokeKey revokes a key of a published DID.
func (s *Service) RevokeKey(ctx context.Context, walletID, alias, keyID string) (string, error) {
	release, err := s.lockDid(ctx, walletID, alias)
	if err != nil {
		return "", err
	}
	defer release()

	w, did, err := s.loadDid(ctx, walletID, alias)
	if err != nil {
		return "", err
	}
	opID, err := s.dids.RevokeKey(ctx, did, w.Seed, keyID)
	if err != nil {
		return "", err
	}
	s.logger.Info("revoked key", "wallet", walletID, "alias", alias, "key", keyID, "operation", opID)

	desc := fmt.Sprintf("revoke key %s of %s", keyID, did.URI)
	err = s.commit(ctx, walletID, opID, didwallet.ActionRevokeKey, desc, alias, func(w *didwallet.Wallet) error {
		return replaceDid(w, did)
	})
	return opID, err
}

// IssueCredential issues a batch of one.
func (s *Service) IssueCredential(ctx context.Context, walletID, issuerAlias, credentialAlias string, claim didwallet.Claim) (*didwallet.IssuedCredential, error) {
	issued, err := s.IssueCredentials(ctx, walletID, issuerAlias, []CredentialRequest{{Alias: credentialAlias, Claim: claim}})
	if len(issued) == 0 {
		return nil, err
	}
	return &issued[0], err
}

// IssueCredentials issues all requests as one batch anchored by a single operation.
// Credential aliases must be new to the wallet.
func (s *Service) IssueCredentials(ctx context.Context, walletID, issuerAlias string, reqs []CredentialRequest) ([]didwallet.IssuedCredential, error) {
	release, err := s.lockDid(ctx, walletID, issuerAlias)
	if err != nil {
		return nil, err
	}
	defer release()

	w, issuer, err := s.loadDid(ctx, walletID, issuerAlias)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(reqs))
	for _, req := range reqs {
		if strings.TrimSpace(req.Alias) == "" {
			return nil, fmt.Errorf("%w: empty credential alias", didwallet.ErrInvalidState)
		}
		if seen[req.Alias] || w.FindIssuedCredential(req.Alias) != nil {
			return nil, fmt.Errorf("%w: credential %q in wallet %s", didwallet.ErrDuplicateIdentifier, req.Alias, walletID)
		}
		seen[req.Alias] = true
	}

	issued, opID, err := s.creds.Issue(ctx, issuer, w.Seed, reqs)
	if err != nil {
		return nil, err
	}
	s.logger.Info("issued credentials", "wallet", walletID, "issuer", issuerAlias, "count", len(issued), "batch", issued[0].BatchID, "operation", opID)

	aliases := make([]string, 0, len(issued))
	for _, c := range issued {
		aliases = append(aliases, c.Alias)
	}
	desc := fmt.Sprintf("issue %d credential(s) in batch %s", len(issued), issued[0].BatchID)
	err = s.commit(ctx, walletID, opID, didwallet.ActionIssueCredential, desc, strings.Join(aliases, ","), func(w *didwallet.Wallet) error {
		if err := replaceDid(w, issuer); err != nil {
			return err
		}
		for _, c := range issued {
			if w.FindIssuedCredential(c.Alias) != nil {
				return fmt.Errorf("%w: credential %q in wallet %s", didwallet.ErrDuplicateIdentifier, c.Alias, walletID)
			}
			w.IssuedCredentials = append(w.IssuedCredentials, c.Clone())
		}
		return nil
	})
	return issued, err
}

// RevokeCredential revokes one issued credential. The other credentials of its batch
// stay valid.
func (s *Service) RevokeCredential(ctx context.Context, walletID, credentialAlias string) (string, error) {
	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return "", err
	}
	found := w.FindIssuedCredential(credentialAlias)
	if found == nil {
		return "", fmt.Errorf("%w: credential %q in wallet %s", didwallet.ErrNotFound, credentialAlias, walletID)
	}

	release, err := s.lockDid(ctx, walletID, found.IssuingDidAlias)
	if err != nil {
		return "", err
	}
	defer release()

	w, issuer, err := s.loadDid(ctx, walletID, found.IssuingDidAlias)
	if err != nil {
		return "", err
	}
	found = w.FindIssuedCredential(credentialAlias)
	if found == nil {
		return "", fmt.Errorf("%w: credential %q in wallet %s", didwallet.ErrNotFound, credentialAlias, walletID)
	}
	cred := found.Clone()

	opID, err := s.creds.Revoke(ctx, &cred, issuer, w.Seed)
	if err != nil {
		return "", err
	}
	s.logger.Info("revoked credential", "wallet", walletID, "credential", credentialAlias, "batch", cred.BatchID, "operation", opID)

	desc := fmt.Sprintf("revoke credential %s of batch %s", cred.CredentialHash, cred.BatchID)
	err = s.commit(ctx, walletID, opID, didwallet.ActionRevokeCredential, desc, credentialAlias, func(w *didwallet.Wallet) error {
		return replaceCredential(w, &cred)
	})
	return opID, err
}

// RevokeCredentialBatch revokes a whole batch with one operation.
func (s *Service) RevokeCredentialBatch(ctx context.Context, walletID, batchID string) (string, error) {
	batchCreds := func(w *didwallet.Wallet) []*didwallet.IssuedCredential {
		var out []*didwallet.IssuedCredential
		for i := range w.IssuedCredentials {
			if w.IssuedCredentials[i].BatchID == batchID {
				c := w.IssuedCredentials[i].Clone()
				out = append(out, &c)
			}
		}
		return out
	}

	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return "", err
	}
	creds := batchCreds(w)
	if len(creds) == 0 {
		return "", fmt.Errorf("%w: batch %s in wallet %s", didwallet.ErrNotFound, batchID, walletID)
	}
	issuerAlias := creds[0].IssuingDidAlias

	release, err := s.lockDid(ctx, walletID, issuerAlias)
	if err != nil {
		return "", err
	}
	defer release()

	w, issuer, err := s.loadDid(ctx, walletID, issuerAlias)
	if err != nil {
		return "", err
	}
	creds = batchCreds(w)

	opID, err := s.creds.RevokeBatch(ctx, creds, issuer, w.Seed)
	if err != nil {
		return "", err
	}
	s.logger.Info("revoked credential batch", "wallet", walletID, "batch", batchID, "count", len(creds), "operation", opID)

	aliases := make([]string, 0, len(creds))
	for _, c := range creds {
		aliases = append(aliases, c.Alias)
	}
	err = s.commit(ctx, walletID, opID, didwallet.ActionRevokeCredential, "revoke batch "+batchID, strings.Join(aliases, ","), func(w *didwallet.Wallet) error {
		for _, c := range creds {
			if err := replaceCredential(w, c); err != nil {
				return err
			}
		}
		return nil
	})
	return opID, err
}

// VerifyCredential verifies a credential this wallet issued. An empty result means valid.
func (s *Service) VerifyCredential(ctx context.Context, walletID, credentialAlias string) ([]didwallet.VerificationError, error) {
	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	cred := w.FindIssuedCredential(credentialAlias)
	if cred == nil {
		return nil, fmt.Errorf("%w: credential %q in wallet %s", didwallet.ErrNotFound, credentialAlias, walletID)
	}
	return s.creds.Verify(ctx, cred.VerifiedCredential, cred.BatchID)
}

// ImportCredential stores a credential issued elsewhere.
func (s *Service) ImportCredential(ctx context.Context, walletID, alias string, vc didwallet.VerifiedCredential) error {
	if strings.TrimSpace(alias) == "" {
		return fmt.Errorf("%w: empty credential alias", didwallet.ErrInvalidState)
	}
	if _, err := ledger.ParseSignedCredential(vc.EncodedSignedCredential); err != nil {
		return fmt.Errorf("%w: %w", didwallet.ErrInvalidClaim, err)
	}
	return s.update(ctx, walletID, func(w *didwallet.Wallet) error {
		if w.FindImportedCredential(alias) != nil {
			return fmt.Errorf("%w: imported credential %q in wallet %s", didwallet.ErrDuplicateIdentifier, alias, walletID)
		}
		w.ImportedCredentials = append(w.ImportedCredentials, didwallet.ImportedCredential{
			Alias:              alias,
			VerifiedCredential: vc.Clone(),
		})
		return nil
	})
}

// VerifyImportedCredential verifies an imported credential against the ledger. Without
// a known batch id, a proof for a root the ledger never anchored reports batch-not-found.
func (s *Service) VerifyImportedCredential(ctx context.Context, walletID, alias string) ([]didwallet.VerificationError, error) {
	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	cred := w.FindImportedCredential(alias)
	if cred == nil {
		return nil, fmt.Errorf("%w: imported credential %q in wallet %s", didwallet.ErrNotFound, alias, walletID)
	}
	return s.creds.Verify(ctx, cred.VerifiedCredential, "")
}

// ExportCredential returns the JSON of an issued or imported credential, suitable for
// ImportCredential in another wallet.
func (s *Service) ExportCredential(ctx context.Context, walletID, alias string) ([]byte, error) {
	w, err := s.wallets.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	var vc didwallet.VerifiedCredential
	if c := w.FindIssuedCredential(alias); c != nil {
		vc = c.VerifiedCredential
	} else if c := w.FindImportedCredential(alias); c != nil {
		vc = c.VerifiedCredential
	} else {
		return nil, fmt.Errorf("%w: credential %q in wallet %s", didwallet.ErrNotFound, alias, walletID)
	}
	return json.Marshal(vc)
}

// ResolveDidDocument renders the DID document from the ledger state once the DID is
// applied there, or from its long form before that.
func (s *Service) ResolveDidDocument(ctx context.Context, walletID, alias string) (*didwallet.Doc, error) {
	did, err := s.wallets.FindDidByAlias(ctx, walletID, alias)
	if err != nil {
		return nil, err
	}

	if did.IsPublished() {
		entry, err := s.ledger.ResolveDid(ctx, did.URI)
		switch {
		case err == nil:
			doc, err := entry.Doc()
			if err != nil {
				return nil, err
			}
			return &doc, nil
		case errors.Is(err, didwallet.ErrNotFound):
			// published but not applied yet
		default:
			return nil, err
		}
	}

	op, err := ledger.ParseLongFormDID(did.LongFormURI)
	if err != nil {
		return nil, err
	}
	doc, err := op.Doc(did.URI)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// TxLog lists the wallet's tx log entries, oldest first.
func (s *Service) TxLog(ctx context.Context, walletID string) ([]*didwallet.TxLogEntry, error) {
	if _, err := s.wallets.FindByID(ctx, walletID); err != nil {
		return nil, err
	}
	return s.txlog.List(ctx, walletID)
}

// RefreshDid resyncs a DID with the ledger's applied state and in-flight operations.
// Use it when a submission's effect was not persisted, or when an operation of the DID
// was rejected; the next operation then chains from the ledger's head again.
func (s *Service) RefreshDid(ctx context.Context, walletID, alias string) (*didwallet.Did, error) {
	release, err := s.lockDid(ctx, walletID, alias)
	if err != nil {
		return nil, err
	}
	defer release()

	w, did, err := s.loadDid(ctx, walletID, alias)
	if err != nil {
		return nil, err
	}
	prevHead := did.LastOperationHash()
	if err := s.dids.Refresh(ctx, did, w.Seed); err != nil {
		return nil, err
	}
	if err := s.update(ctx, walletID, func(w *didwallet.Wallet) error {
		return replaceDid(w, did)
	}); err != nil {
		return nil, err
	}
	if did.LastOperationHash() != prevHead {
		s.logger.Info("refreshed DID", "wallet", walletID, "alias", alias, "did", did.URI, "from", prevHead, "head", did.LastOperationHash())
	}
	return did, nil
}

// onStatusChange applies a confirmed outcome to the wallet. Rejected credential
// operations are rolled back, and a DID is refreshed from the ledger when one of its
// operations was rejected or was applied without the wallet having recorded it.
func (s *Service) onStatusChange(ctx context.Context, entry *didwallet.TxLogEntry) {
	if entry.Action == didwallet.ActionPublishDid {
		s.syncPublishedStatus(ctx, entry)
	}
	if !entry.Status.IsTerminal() {
		return
	}
	rejected := entry.Status == didwallet.StatusConfirmedRejected

	switch entry.Action {
	case didwallet.ActionRevokeCredential:
		if rejected {
			s.undoRevocation(ctx, entry)
		}
		return
	case didwallet.ActionIssueCredential:
		if rejected {
			s.dropIssued(ctx, entry)
		}
	}

	alias, recorded, err := s.didForOperation(ctx, entry)
	if err != nil {
		s.logger.Warn("failed to find DID of operation", "wallet", entry.WalletID, "operation", entry.ID, "error", err)
		return
	}
	if recorded && !rejected {
		return
	}
	if _, err := s.RefreshDid(ctx, entry.WalletID, alias); err != nil {
		s.logger.Warn("failed to refresh DID", "wallet", entry.WalletID, "alias", alias, "operation", entry.ID, "error", err)
	}
}

// syncPublishedStatus keeps PublishedStatus in step with the DID's publish operation.
func (s *Service) syncPublishedStatus(ctx context.Context, entry *didwallet.TxLogEntry) {
	err := s.update(ctx, entry.WalletID, func(w *didwallet.Wallet) error {
		for i := range w.Dids {
			if w.Dids[i].PublishedOperationID == entry.ID {
				w.Dids[i].PublishedStatus = entry.Status
				return nil
			}
		}
		// not persisted at submission; a refresh picks it up
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to update published status", "wallet", entry.WalletID, "operation", entry.ID, "status", entry.Status, "error", err)
	}
}

// didForOperation returns the alias of the wallet DID an operation targets, and whether
// the DID's history lists the operation.
func (s *Service) didForOperation(ctx context.Context, entry *didwallet.TxLogEntry) (string, bool, error) {
	info, err := s.ledger.GetOperationInfo(ctx, entry.ID)
	if err != nil {
		return "", false, err
	}
	w, err := s.wallets.FindByID(ctx, entry.WalletID)
	if err != nil {
		return "", false, err
	}
	uri := ledger.CanonicalDID(info.DID)
	for _, did := range w.Dids {
		if did.URI == uri {
			return did.Alias, did.HasOperation(entry.ID), nil
		}
	}
	return "", false, fmt.Errorf("%w: DID %s in wallet %s", didwallet.ErrNotFound, uri, entry.WalletID)
}

// dropIssued removes the credentials of a batch whose anchoring was rejected. Their
// aliases can be issued again.
func (s *Service) dropIssued(ctx context.Context, entry *didwallet.TxLogEntry) {
	dropped := []string{}
	err := s.update(ctx, entry.WalletID, func(w *didwallet.Wallet) error {
		kept := w.IssuedCredentials[:0]
		for _, c := range w.IssuedCredentials {
			if len(c.OperationIDs) > 0 && c.OperationIDs[0] == entry.ID {
				dropped = append(dropped, c.Alias)
				continue
			}
			kept = append(kept, c)
		}
		w.IssuedCredentials = kept
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to drop rejected credentials", "wallet", entry.WalletID, "operation", entry.ID, "error", err)
		return
	}
	if len(dropped) > 0 {
		s.logger.Warn("dropped credentials of rejected batch", "wallet", entry.WalletID, "operation", entry.ID, "credentials", dropped)
	}
}

// undoRevocation marks the credentials of a rejected revocation as valid again.
func (s *Service) undoRevocation(ctx context.Context, entry *didwallet.TxLogEntry) {
	err := s.update(ctx, entry.WalletID, func(w *didwallet.Wallet) error {
		for i := range w.IssuedCredentials {
			c := &w.IssuedCredentials[i]
			last := len(c.OperationIDs) - 1
			if last > 0 && c.OperationIDs[last] == entry.ID {
				c.OperationIDs = c.OperationIDs[:last]
				c.Revoked = false
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to undo rejected revocation", "wallet", entry.WalletID, "operation", entry.ID, "error", err)
	}
}
