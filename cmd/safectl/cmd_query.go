package main

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var cmdStatus = &cobra.Command{
	Use:   "status <hash>",
	Short: "Show the state and signers of a proposal",
	Args:  cobra.ExactArgs(1),
	Run:   status,
}

var cmdNonce = &cobra.Command{
	Use:   "nonce",
	Short: "Show the sequence number the next proposal would use",
	Args:  cobra.NoArgs,
	Run:   nextNonce,
}

var cmdList = &cobra.Command{
	Use:   "list",
	Short: "List the proposals known to this machine",
	Args:  cobra.NoArgs,
	Run:   list,
}

var cmdEncode = &cobra.Command{
	Use:   "encode <method> [args...]",
	Short: "Encode call data, e.g. encode 'transfer(address,uint256)' 0xabc... 1000",
	Args:  cobra.MinimumNArgs(1),
	Run:   encode,
}

func init() {
	cmdMain.AddCommand(cmdStatus, cmdNonce, cmdList, cmdEncode)
}

func status(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := connect(ctx)
	defer c.Close()

	st, err := c.coord.GetProposalStatus(ctx, parseHash(args[0]))
	check(err)
	printStatus(cmd, st)
}

func nextNonce(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	c := connect(ctx)
	defer c.Close()

	r, err := c.coord.NextNonce(ctx)
	check(err)
	printNonce(cmd, r)
}

func list(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	c := connect(ctx)
	defer c.Close()

	proposals, err := c.coord.Proposals(c.coord.Session().Account)
	check(err)
	if len(proposals) == 0 {
		cmd.Println("No proposals")
		return
	}
	for _, p := range proposals {
		printProposalLine(cmd, p)
	}
}

func encode(cmd *cobra.Command, args []string) {
	cmd.Println(hexutil.Encode(encodeArgs(args[0], args[1:])))
}
