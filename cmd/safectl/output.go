package main

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/safecoord/safecoord/internal/coordinator"
	"github.com/safecoord/safecoord/internal/nonce"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/spf13/cobra"
)

var (
	labelColor = color.New(color.FgHiBlack)
	okColor    = color.New(color.FgGreen, color.Bold)
	warnColor  = color.New(color.FgYellow)
	failColor  = color.New(color.FgRed, color.Bold)
)

var stateColors = map[protocol.ProposalState]*color.Color{
	protocol.StateCreated:      color.New(color.FgCyan),
	protocol.StateThresholdMet: color.New(color.FgMagenta),
	protocol.StateExecuting:    color.New(color.FgYellow),
	protocol.StateExecuted:     okColor,
	protocol.StateFailed:       failColor,
}

func stateString(s protocol.ProposalState) string {
	if c, ok := stateColors[s]; ok {
		return c.Sprint(s)
	}
	return string(s)
}

func field(cmd *cobra.Command, name string, value interface{}) {
	cmd.Printf("%s %v\n", labelColor.Sprintf("%-10s", name+":"), value)
}

func printWarnings(cmd *cobra.Command, warnings []error) {
	for _, w := range warnings {
		cmd.Println(warnColor.Sprint("warning: ") + w.Error())
	}
}

func printUpdate(cmd *cobra.Command, u *coordinator.Update) {
	p := u.Proposal
	field(cmd, "Hash", p.Hash.Hex())
	field(cmd, "State", stateString(p.State))
	field(cmd, "Nonce", p.Descriptor.Nonce)
	field(cmd, "Signed", p.Signatures.Len())
	if u.Nonce != nil {
		printNonce(cmd, *u.Nonce)
	}
	printWarnings(cmd, u.Warnings)
}

func printStatus(cmd *cobra.Command, st *coordinator.Status) {
	p := st.Proposal
	field(cmd, "Hash", st.Hash.Hex())
	field(cmd, "State", stateString(st.State))
	field(cmd, "To", p.Descriptor.To.Hex())
	field(cmd, "Value", humanize.BigComma(protocol.OrZero(p.Descriptor.Value).ToBig())+" wei")
	field(cmd, "Data", humanize.Bytes(uint64(len(p.Descriptor.Data))))
	field(cmd, "Operation", p.Descriptor.Operation)
	field(cmd, "Nonce", p.Descriptor.Nonce)
	field(cmd, "Created", humanize.Time(p.CreatedAt))

	progress := warnColor.Sprintf("%d of %d", st.Have, st.Need)
	if st.Sufficient {
		progress = okColor.Sprintf("%d of %d", st.Have, st.Need)
	}
	field(cmd, "Signers", progress)
	for _, s := range st.Signers {
		scheme := protocol.SchemeApproval
		if sig, ok := p.Signatures.Get(s); ok {
			scheme = sig.Scheme
		}
		cmd.Printf("  %s %s\n", s.Hex(), labelColor.Sprint(scheme))
	}
	if st.EstimatedGas > 0 {
		field(cmd, "Gas", humanize.Comma(int64(st.EstimatedGas)))
	}
	if st.Stale {
		cmd.Println(warnColor.Sprint("account data may be stale"))
	}
	if p.Result != nil {
		printResult(cmd, p.Result)
	}
	printWarnings(cmd, st.Warnings)
}

func printResult(cmd *cobra.Command, res *protocol.ExecutionResult) {
	switch {
	case res.Success && res.AlreadyExecuted:
		field(cmd, "Result", okColor.Sprint("already executed"))
	case res.Success:
		field(cmd, "Result", okColor.Sprint("executed"))
	case res.FinishedAt.IsZero():
		field(cmd, "Result", warnColor.Sprint("in progress"))
	default:
		field(cmd, "Result", failColor.Sprint(res.Class))
		if res.Error != "" {
			field(cmd, "Error", res.Error)
		}
	}
	if res.TxID != (common.Hash{}) {
		field(cmd, "Tx", res.TxID.Hex())
	}
	if !res.FinishedAt.IsZero() {
		field(cmd, "Finished", humanize.RelTime(res.FinishedAt, time.Now(), "ago", "from now"))
	}
	field(cmd, "Attempt", res.AttemptID)
}

func printNonce(cmd *cobra.Command, r nonce.Reconciliation) {
	field(cmd, "Next", r.Nonce)
	field(cmd, "Ledger", r.OnLedger)
	if r.FromStore != nil {
		field(cmd, "Store", *r.FromStore)
	}
	if r.Degraded {
		msg := "store not consulted"
		if r.Warning != nil {
			msg = r.Warning.Error()
		}
		cmd.Println(warnColor.Sprint("degraded: ") + msg)
	}
}

func printProposalLine(cmd *cobra.Command, p *protocol.Proposal) {
	cmd.Printf("%6d  %s  %-18s  %d sig(s)  %s\n",
		p.Descriptor.Nonce,
		p.Hash.Hex(),
		stateString(p.State),
		p.Signatures.Len(),
		labelColor.Sprint(humanize.Time(p.CreatedAt)))
}
