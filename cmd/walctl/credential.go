package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/roots-id/go-didwallet"
	"github.com/roots-id/go-didwallet/wallet"
	"github.com/urfave/cli/v3"
)

var credentialCommand = &cli.Command{
	Name:  "credential",
	Usage: "issue, revoke, verify and exchange credentials",
	Commands: []*cli.Command{
		{
			Name:      "issue",
			Usage:     "issue a single credential from a published issuer DID",
			ArgsUsage: "<issuer-alias> <credential-alias>",
			Action:    withEnv(runCredentialIssue),
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "subject",
					Usage:    "DID of the credential subject",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "content",
					Usage: "claim content as a JSON object; read from stdin when empty",
				},
			},
		},
		{
			Name:      "issue-batch",
			Usage:     "issue a batch of credentials under one Merkle root (reads a JSON array of {alias, claim} from stdin)",
			ArgsUsage: "<issuer-alias>",
			Action:    withEnv(runCredentialIssueBatch),
		},
		{
			Name:      "revoke",
			Usage:     "revoke one issued credential",
			ArgsUsage: "<credential-alias>",
			Action:    withEnv(runCredentialRevoke),
		},
		{
			Name:      "revoke-batch",
			Usage:     "revoke every credential of a batch",
			ArgsUsage: "<batch-id>",
			Action:    withEnv(runCredentialRevokeBatch),
		},
		{
			Name:      "verify",
			Usage:     "verify an issued credential against the ledger",
			ArgsUsage: "<credential-alias>",
			Action:    withEnv(runCredentialVerify),
		},
		{
			Name:      "import",
			Usage:     "store a credential received from an issuer (reads its exported JSON from stdin)",
			ArgsUsage: "<alias>",
			Action:    withEnv(runCredentialImport),
		},
		{
			Name:      "verify-imported",
			Usage:     "verify an imported credential against the ledger",
			ArgsUsage: "<alias>",
			Action:    withEnv(runCredentialVerifyImported),
		},
		{
			Name:      "export",
			Usage:     "print a credential in its portable form",
			ArgsUsage: "<alias>",
			Action:    withEnv(runCredentialExport),
		},
	},
}

func runCredentialIssue(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "issuer-alias", "credential-alias")
	if err != nil {
		return err
	}
	content := cmd.String("content")
	if content == "" {
		inBytes, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		content = string(inBytes)
	}

	claim := didwallet.Claim{SubjectDID: cmd.String("subject"), Content: content}
	cred, err := e.svc.IssueCredential(ctx, e.walletID, args[0], args[1], claim)
	if err != nil {
		return err
	}
	fmt.Printf("issued %s in batch %s (operation %s)\n", cred.Alias, cred.BatchID, cred.OperationIDs[0])
	return nil
}

func runCredentialIssueBatch(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "issuer-alias")
	if err != nil {
		return err
	}
	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var reqs []wallet.CredentialRequest
	if err := json.Unmarshal(inBytes, &reqs); err != nil {
		return fmt.Errorf("invalid credential requests: %w", err)
	}

	creds, err := e.svc.IssueCredentials(ctx, e.walletID, args[0], reqs)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		fmt.Printf("issued %s in batch %s\n", cred.Alias, cred.BatchID)
	}
	if len(creds) > 0 {
		fmt.Printf("submitted operation %s\n", creds[0].OperationIDs[0])
	}
	return nil
}

func runCredentialRevoke(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "credential-alias")
	if err != nil {
		return err
	}
	opID, err := e.svc.RevokeCredential(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("submitted operation %s\n", opID)
	return nil
}

func runCredentialRevokeBatch(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "batch-id")
	if err != nil {
		return err
	}
	opID, err := e.svc.RevokeCredentialBatch(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("submitted operation %s\n", opID)
	return nil
}

func printVerification(errs []didwallet.VerificationError) error {
	if len(errs) == 0 {
		fmt.Println("valid")
		return nil
	}
	for _, e := range errs {
		fmt.Println(e)
	}
	return cli.Exit("", 2)
}

func runCredentialVerify(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "credential-alias")
	if err != nil {
		return err
	}
	errs, err := e.svc.VerifyCredential(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	return printVerification(errs)
}

func runCredentialImport(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var vc didwallet.VerifiedCredential
	if err := json.Unmarshal(inBytes, &vc); err != nil {
		return fmt.Errorf("%w: %w", didwallet.ErrInvalidClaim, err)
	}
	if err := e.svc.ImportCredential(ctx, e.walletID, args[0], vc); err != nil {
		return err
	}
	fmt.Printf("imported %s\n", args[0])
	return nil
}

func runCredentialVerifyImported(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	errs, err := e.svc.VerifyImportedCredential(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	return printVerification(errs)
}

func runCredentialExport(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	out, err := e.svc.ExportCredential(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
