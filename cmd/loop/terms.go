package main

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/loop/looprpc"
	"github.com/urfave/cli"
)

var termsCommand = cli.Command{
	Name:   "terms",
	Usage:  "show current server swap terms",
	Action: terms,
}

func terms(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Println("Loop Out")
	fmt.Println("--------")
	loopOutTerms, err := client.LoopOutTerms(
		context.Background(), &looprpc.TermsRequest{},
	)
	if err != nil {
		fmt.Println(err)
	} else {
		fmt.Printf("Amount: %d - %d\n",
			btcutil.Amount(loopOutTerms.MinSwapAmount),
			btcutil.Amount(loopOutTerms.MaxSwapAmount),
		)
		fmt.Printf("Cltv delta: %v - %v\n",
			loopOutTerms.MinCltvDelta, loopOutTerms.MaxCltvDelta,
		)
	}

	fmt.Println()

	fmt.Println("Loop In")
	fmt.Println("------")
	loopInTerms, err := client.GetLoopInTerms(
		context.Background(), &looprpc.TermsRequest{},
	)
	if err != nil {
		fmt.Println(err)
	} else {
		fmt.Printf("Amount: %d - %d\n",
			btcutil.Amount(loopInTerms.MinSwapAmount),
			btcutil.Amount(loopInTerms.MaxSwapAmount),
		)
	}

	return nil
}
