package main

import (
	"context"
	"fmt"

	"github.com/lightninglabs/loop/looprpc"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/urfave/cli"
	"github.com/wbobeirne/loop"
	"github.com/wbobeirne/loop/swap"
)

var (
	lastHopFlag = cli.StringFlag{
		Name: "last_hop",
		Usage: "the pubkey of the last hop to use for the " +
			"off-chain swap payment",
	}

	confTargetFlag = cli.Uint64Flag{
		Name: "conf_target",
		Usage: "the target number of blocks the on-chain htlc " +
			"broadcast by the swap client should confirm within",
	}
)

var loopInCommand = cli.Command{
	Name:      "in",
	Usage:     "perform an on-chain to off-chain swap (loop in)",
	ArgsUsage: "amt",
	Description: `
	Send the amount in satoshis specified by the amt argument
	off-chain.`,
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "amt",
			Usage: "the amount in satoshis to loop in",
		},
		cli.BoolFlag{
			Name:  "external",
			Usage: "expect htlc to be published externally",
		},
		confTargetFlag,
		lastHopFlag,
	},
	Action: loopIn,
}

func loopIn(ctx *cli.Context) error {
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
		return cli.ShowCommandHelp(ctx, "in")
	}

	amt, err := parseAmt(amtStr)
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	external := ctx.Bool("external")
	htlcConfTarget := int32(ctx.Uint64(confTargetFlag.Name))

	// External and conf target are mutually exclusive; either the htlc is
	// being externally published or we publish it with a target.
	if external && ctx.IsSet(confTargetFlag.Name) {
		return fmt.Errorf("external and conf_target both set")
	}

	// Validate our conf target has a valid value, if it is unset we
	// replace it with our default so that our quote reflects the settings
	// that the swap will use.
	if !external && htlcConfTarget == 0 {
		htlcConfTarget = loop.DefaultHtlcConfTarget
	}

	var lastHop []byte
	if ctx.IsSet(lastHopFlag.Name) {
		lastHopVertex, err := route.NewVertexFromStr(
			ctx.String(lastHopFlag.Name),
		)
		if err != nil {
			return err
		}

		lastHop = lastHopVertex[:]
	}

	quoteReq := &looprpc.QuoteRequest{
		Amt:           int64(amt),
		ConfTarget:    htlcConfTarget,
		ExternalHtlc:  external,
		LoopInLastHop: lastHop,
	}
	if external {
		quoteReq.ConfTarget = 0
	}
	quote, err := client.GetLoopInQuote(context.Background(), quoteReq)
	if err != nil {
		return err
	}

	limits := getInLimits(quote)
	err = displayLimits(swap.TypeIn, amt, limits, external, "")
	if err != nil {
		return err
	}

	req := &looprpc.LoopInRequest{
		Amt:            int64(amt),
		MaxMinerFee:    int64(limits.maxMinerFee),
		MaxSwapFee:     int64(limits.maxSwapFee),
		ExternalHtlc:   external,
		HtlcConfTarget: quoteReq.ConfTarget,
		LastHop:        lastHop,
		Initiator:      defaultInitiator,
	}

	resp, err := client.LoopIn(context.Background(), req)
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
