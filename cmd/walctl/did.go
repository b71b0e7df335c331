package main

import (
	"context"
	"fmt"

	"github.com/roots-id/go-didwallet"
	"github.com/urfave/cli/v3"
)

var didCommand = &cli.Command{
	Name:  "did",
	Usage: "manage the wallet's DIDs",
	Commands: []*cli.Command{
		{
			Name:      "create",
			Usage:     "derive a new DID locally (not published)",
			ArgsUsage: "<alias>",
			Action:    withEnv(runDidCreate),
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "issuer",
					Usage: "include issuing and revocation keys",
				},
			},
		},
		{
			Name:   "list",
			Usage:  "list the wallet's DIDs",
			Action: withEnv(runDidList),
		},
		{
			Name:      "show",
			Usage:     "print a DID with its keys and operation history",
			ArgsUsage: "<alias>",
			Action:    withEnv(runDidShow),
		},
		{
			Name:      "publish",
			Usage:     "submit the DID's creation to the ledger",
			ArgsUsage: "<alias>",
			Action:    withEnv(runDidPublish),
		},
		{
			Name:      "add-key",
			Usage:     "derive and publish a new key",
			ArgsUsage: "<alias>",
			Action:    withEnv(runDidAddKey),
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "usage",
					Usage:    "one of master, issuing, keyAgreement, authentication, revocation, capabilityInvocation, capabilityDelegation",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "key-id",
					Usage: "key id; defaults to the usage name and the next key index (e.g. issuing1)",
				},
			},
		},
		{
			Name:      "revoke-key",
			Usage:     "revoke a published key",
			ArgsUsage: "<alias> <key-id>",
			Action:    withEnv(runDidRevokeKey),
		},
		{
			Name:      "refresh",
			Usage:     "resync the DID's keys and head with the ledger",
			ArgsUsage: "<alias>",
			Action:    withEnv(runDidRefresh),
		},
		{
			Name:      "doc",
			Usage:     "print the DID document",
			ArgsUsage: "<alias>",
			Action:    withEnv(runDidDoc),
		},
	},
}

func runDidCreate(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	did, err := e.svc.CreateDid(ctx, e.walletID, args[0], cmd.Bool("issuer"))
	if err != nil {
		return err
	}
	fmt.Println(did.URI)
	return nil
}

func runDidList(ctx context.Context, cmd *cli.Command, e *env) error {
	dids, err := e.svc.ListDids(ctx, e.walletID)
	if err != nil {
		return err
	}
	for _, did := range dids {
		status := "unpublished"
		if did.IsPublished() {
			status = string(did.PublishedStatus)
		}
		fmt.Printf("%s\t%s\t%s\n", did.Alias, status, did.URI)
	}
	return nil
}

func runDidShow(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	did, err := e.svc.GetDid(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	return printJSON(did)
}

func runDidRefresh(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	did, err := e.svc.RefreshDid(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	return printJSON(did)
}

func runDidPublish(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	opID, err := e.svc.PublishDid(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("submitted operation %s\n", opID)
	return nil
}

func runDidAddKey(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	usage, err := didwallet.ParseKeyUsage(cmd.String("usage"))
	if err != nil {
		return err
	}
	keyID := cmd.String("key-id")
	if keyID == "" {
		did, err := e.svc.GetDid(ctx, e.walletID, args[0])
		if err != nil {
			return err
		}
		keyID = usage.KeyID(did.NextKeyIdx(usage))
	}

	opID, err := e.svc.AddKey(ctx, e.walletID, args[0], keyID, usage)
	if err != nil {
		return err
	}
	fmt.Printf("submitted operation %s adding %s\n", opID, keyID)
	return nil
}

func runDidRevokeKey(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias", "key-id")
	if err != nil {
		return err
	}
	opID, err := e.svc.RevokeKey(ctx, e.walletID, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("submitted operation %s\n", opID)
	return nil
}

func runDidDoc(ctx context.Context, cmd *cli.Command, e *env) error {
	args, err := requireArgs(cmd, "alias")
	if err != nil {
		return err
	}
	doc, err := e.svc.ResolveDidDocument(ctx, e.walletID, args[0])
	if err != nil {
		return err
	}
	return printJSON(doc)
}
