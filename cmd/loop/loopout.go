package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/loop/looprpc"
	"github.com/urfave/cli"
	"github.com/wbobeirne/loop"
	"github.com/wbobeirne/loop/swap"
)

var loopOutCommand = cli.Command{
	Name:      "out",
	Usage:     "perform an off-chain to on-chain swap (looping out)",
	ArgsUsage: "amt [addr]",
	Description: `
	Attempts to loop out the target amount into either the backing lnd's
	wallet, or a targeted address.

	The amount is to be specified in satoshis.

	Optionally a BASE58/bech32 encoded bitcoin destination address may be
	specified. If not specified, a new wallet address will be generated.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "channel",
			Usage: "the comma-separated list of short " +
				"channel IDs of the channels to loop out",
		},
		cli.StringFlag{
			Name: "addr",
			Usage: "the optional address that the looped out " +
				"funds should be sent to, if let blank the " +
				"funds will go to lnd's wallet",
		},
		cli.Uint64Flag{
			Name:  "amt",
			Usage: "the amount in satoshis to loop out",
		},
		cli.Uint64Flag{
			Name: "conf_target",
			Usage: "the number of blocks from the swap " +
				"initiation height that the on-chain HTLC " +
				"should be swept within",
			Value: uint64(loop.DefaultSweepConfTarget),
		},
		cli.Int64Flag{
			Name: "max_swap_routing_fee",
			Usage: "the max off-chain swap routing fee in " +
				"satoshis, if not specified, a default max " +
				"fee will be used",
		},
		cli.BoolFlag{
			Name: "fast",
			Usage: "indicate you want to swap immediately, " +
				"paying potentially a higher fee. If not " +
				"set the swap server might choose to wait " +
				"up to 30 minutes before publishing the " +
				"swap HTLC on-chain, to save on its chain " +
				"fees. Not setting this flag therefore " +
				"might result in a lower swap fee",
		},
	},
	Action: loopOut,
}

func loopOut(ctx *cli.Context) error {
	args := ctx.Args()

	var amtStr string
	switch {
	case ctx.IsSet("amt"):
		amtStr = ctx.String("amt")
	case ctx.NArg() > 0:
		amtStr = args[0]
		args = args.Tail()
	default:
		// Show command help if no arguments and flags were provided.
		return cli.ShowCommandHelp(ctx, "out")
	}

	amt, err := parseAmt(amtStr)
	if err != nil {
		return err
	}

	var destAddr string
	switch {
	case ctx.IsSet("addr"):
		destAddr = ctx.String("addr")
	case args.Present():
		destAddr = args.First()
	}

	var outgoingChanSet []uint64
	if ctx.IsSet("channel") {
		chanID, err := strconv.ParseUint(
			ctx.String("channel"), 10, 64,
		)
		if err != nil {
			return err
		}

		outgoingChanSet = append(outgoingChanSet, chanID)
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sweepConfTarget := int32(ctx.Uint64("conf_target"))

	fast := ctx.Bool("fast")
	swapDeadline := time.Now()
	if !fast {
		swapDeadline = time.Now().Add(defaultSwapWaitTime)
	}

	quoteReq := &looprpc.QuoteRequest{
		Amt:                     int64(amt),
		ConfTarget:              sweepConfTarget,
		SwapPublicationDeadline: uint64(swapDeadline.Unix()),
	}
	quote, err := client.LoopOutQuote(context.Background(), quoteReq)
	if err != nil {
		return err
	}

	limits := getOutLimits(amt, quote)

	// If the max swap routing fee is set, override the default.
	if ctx.IsSet("max_swap_routing_fee") {
		*limits.maxSwapRoutingFee = btcutil.Amount(
			ctx.Int64("max_swap_routing_fee"),
		)
	}

	warning := ""
	if fast {
		warning = "Fast swap requested."
	}
	err = displayLimits(swap.TypeOut, amt, limits, false, warning)
	if err != nil {
		return err
	}

	resp, err := client.LoopOut(
		context.Background(), &looprpc.LoopOutRequest{
			Amt:                 int64(amt),
			Dest:                destAddr,
			MaxMinerFee:         int64(limits.maxMinerFee),
			MaxPrepayAmt:        int64(*limits.maxPrepayAmt),
			MaxSwapFee:          int64(limits.maxSwapFee),
			MaxPrepayRoutingFee: int64(*limits.maxPrepayRoutingFee),
			MaxSwapRoutingFee:   int64(*limits.maxSwapRoutingFee),
			OutgoingChanSet:     outgoingChanSet,
			SweepConfTarget:     sweepConfTarget,
			SwapPublicationDeadline: uint64(
				swapDeadline.Unix(),
			),
			Initiator: defaultInitiator,
		},
	)
	if err != nil {
		return err
	}

	fmt.Printf("Swap initiated\n")
	fmt.Printf("ID:             %v\n", resp.Id)
	fmt.Printf("HTLC address:   %v\n", resp.HtlcAddress)
	if resp.ServerMessage != "" {
		fmt.Printf("Server message: %v\n", resp.ServerMessage)
	}
	fmt.Println()
	fmt.Printf("Run `loop monitor` to monitor progress.\n")

	return nil
}
