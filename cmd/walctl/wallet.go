package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

var walletCommand = &cli.Command{
	Name:  "wallet",
	Usage: "create and inspect wallets",
	Commands: []*cli.Command{
		{
			Name:   "create",
			Usage:  "create a wallet with the id given by --wallet; prints the mnemonic when it was generated",
			Action: withEnv(runWalletCreate),
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "mnemonic",
					Usage:   "BIP-39 mnemonic to restore from; a new 24 word one is generated when empty",
					Sources: cli.EnvVars("WALCTL_MNEMONIC"),
				},
				&cli.StringFlag{
					Name:    "passphrase",
					Usage:   "optional BIP-39 passphrase",
					Sources: cli.EnvVars("WALCTL_PASSPHRASE"),
				},
			},
		},
		{
			Name:   "list",
			Usage:  "list wallet ids",
			Action: withEnv(runWalletList),
		},
		{
			Name:   "show",
			Usage:  "print the wallet's DIDs and credentials (without the seed)",
			Action: withEnv(runWalletShow),
		},
	},
}

func runWalletCreate(ctx context.Context, cmd *cli.Command, e *env) error {
	mnemonic := cmd.String("mnemonic")
	w, used, err := e.svc.CreateWallet(ctx, e.walletID, mnemonic, cmd.String("passphrase"))
	if err != nil {
		return err
	}
	fmt.Printf("created wallet %s\n", w.ID)
	if mnemonic == "" {
		fmt.Println("write down this mnemonic, it is the only backup of the wallet:")
		fmt.Println(used)
	}
	return nil
}

func runWalletList(ctx context.Context, cmd *cli.Command, e *env) error {
	wallets, err := e.svc.ListWallets(ctx)
	if err != nil {
		return err
	}
	for _, w := range wallets {
		fmt.Println(w.ID)
	}
	return nil
}

func runWalletShow(ctx context.Context, cmd *cli.Command, e *env) error {
	w, err := e.svc.GetWallet(ctx, e.walletID)
	if err != nil {
		return err
	}
	w = w.Clone()
	w.Seed = nil
	return printJSON(w)
}
