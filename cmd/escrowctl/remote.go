package main

import (
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	escrowsdk "tradeescrow/sdk/go"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectRegisterCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectAgreeCmd())
	prj.AddCommand(projectTransitionCmd())
	return prj
}

func printProject(p escrowsdk.Project) error {
	price := ""
	if p.AgreedPrice != nil {
		price = *p.AgreedPrice
	}
	protection := ""
	if p.ProtectionEnd != nil {
		protection = p.ProtectionEnd.Format("2006-01-02 15:04")
	}
	return printFields(p, [][2]string{
		{"ID", p.ID},
		{"Owner", p.OwnerID},
		{"Status", p.Status},
		{"Agreed price", price},
		{"Protection ends", protection},
	})
}

func projectRegisterCmd() *cobra.Command {
	var id, owner, title string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().RegisterProject(cmd.Context(), id, owner, title)
			if err != nil {
				return err
			}
			return printProject(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := apiClient().ProjectStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printFields(map[string]string{"project_id": args[0], "status": status}, [][2]string{
				{"Project", args[0]},
				{"Status", status},
			})
		},
	}
}

func projectAgreeCmd() *cobra.Command {
	var quoteID string
	cmd := &cobra.Command{
		Use:   "agree <project-id>",
		Short: "Agree a quote for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().AgreeQuote(cmd.Context(), args[0], quoteID)
			if err != nil {
				return err
			}
			return printProject(p)
		},
	}
	cmd.Flags().StringVar(&quoteID, "quote", "", "quote id")
	_ = cmd.MarkFlagRequired("quote")
	return cmd
}

func projectTransitionCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "transition <project-id>",
		Short: "Move a project to another status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().TransitionProject(cmd.Context(), args[0], to)
			if err != nil {
				return err
			}
			return printProject(p)
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func quoteCmd() *cobra.Command {
	var q escrowsdk.Quote
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Record a tradie's quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient().UpsertQuote(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printFields(res, [][2]string{
				{"ID", res.ID},
				{"Project", res.ProjectID},
				{"Tradie", res.TradieID},
				{"Price", res.Price},
				{"Status", res.Status},
			})
		},
	}
	cmd.Flags().StringVar(&q.ID, "id", "", "quote id")
	cmd.Flags().StringVar(&q.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&q.TradieID, "tradie", "", "tradie id")
	cmd.Flags().StringVar(&q.Price, "price", "", "quoted price")
	cmd.Flags().StringVar(&q.Status, "status", "", "quote status")
	for _, f := range []string{"id", "project", "tradie", "price"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func tradieCmd() *cobra.Command {
	var id, parent string
	cmd := &cobra.Command{
		Use:   "tradie",
		Short: "Record a tradie and its affiliate parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().UpsertTradie(cmd.Context(), id, parent); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tradie id")
	cmd.Flags().StringVar(&parent, "parent", "", "parent tradie id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func paymentCmd() *cobra.Command {
	pay := &cobra.Command{Use: "payment", Short: "Manage payments"}
	pay.AddCommand(paymentCreateCmd())
	pay.AddCommand(paymentConfirmCmd())
	pay.AddCommand(paymentShowCmd())
	pay.AddCommand(paymentRefundCmd())
	return pay
}

func paymentCreateCmd() *cobra.Command {
	var in escrowsdk.CreatePaymentInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a payment for an agreed quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient().CreatePayment(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printFields(s, [][2]string{
				{"Payment", s.PaymentID},
				{"Reference", s.Reference},
				{"Status", s.Status},
				{"Gross", s.Fees.Gross},
				{"Platform fee", s.Fees.PlatformFee},
				{"Affiliate fee", s.Fees.AffiliateFee},
				{"Net to tradie", s.Fees.NetAmount},
			})
		},
	}
	cmd.Flags().StringVar(&in.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&in.QuoteID, "quote", "", "quote id")
	cmd.Flags().StringVar(&in.TradieID, "tradie", "", "tradie id")
	cmd.Flags().StringVar(&in.PayerID, "payer", "", "payer id (defaults to the caller)")
	cmd.Flags().StringVar(&in.Amount, "amount", "", "amount, e.g. 1000.00")
	cmd.Flags().StringVar(&in.Currency, "currency", "", "currency")
	for _, f := range []string{"project", "quote", "tradie", "amount"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func paymentConfirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <payment-id>",
		Short: "Confirm a payment and hold its funds in escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			esc, err := apiClient().ConfirmPayment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printEscrow(esc)
		},
	}
}

func paymentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <payment-id>",
		Short: "Show a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().GetPayment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printFields(p, [][2]string{
				{"ID", p.ID},
				{"Project", p.ProjectID},
				{"Payer", p.PayerID},
				{"Tradie", p.TradieID},
				{"Status", p.Status},
				{"Gross", p.Fees.Gross},
				{"Refunded", p.RefundedAmount},
				{"Failure", deref(p.FailureReason)},
			})
		},
	}
}

func paymentRefundCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "refund <payment-id>",
		Short: "Refund a payment before work starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().RefundPayment(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printFields(p, [][2]string{
				{"ID", p.ID},
				{"Status", p.Status},
				{"Refunded", p.RefundedAmount},
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "refund reason")
	return cmd
}

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escrow", Short: "Inspect and release escrow"}
	esc.AddCommand(&cobra.Command{
		Use:   "show <escrow-id>",
		Short: "Show an escrow account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := apiClient().GetEscrow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printEscrow(e)
		},
	})
	var tradie string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a tradie's escrow accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().ListEscrows(cmd.Context(), tradie)
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(items))
			for _, e := range items {
				rows = append(rows, table.Row{e.ID, e.ProjectID, e.Status, e.GrossAmount, e.NetAmount})
			}
			return printTable(items, table.Row{"ID", "Project", "Status", "Gross", "Net"}, rows)
		},
	}
	list.Flags().StringVar(&tradie, "tradie", "", "tradie id (defaults to the caller)")
	esc.AddCommand(list)
	esc.AddCommand(escrowReleaseCmd())
	return esc
}

func printEscrow(e escrowsdk.Escrow) error {
	released := ""
	if e.ReleasedAt != nil {
		released = e.ReleasedAt.Format("2006-01-02 15:04")
	}
	return printFields(e, [][2]string{
		{"ID", e.ID},
		{"Payment", e.PaymentID},
		{"Project", e.ProjectID},
		{"Tradie", e.TradieID},
		{"Status", e.Status},
		{"Gross", e.GrossAmount},
		{"Net", e.NetAmount},
		{"Affiliate fee", e.AffiliateFee},
		{"Trigger", deref(e.ReleaseTrigger)},
		{"Released at", released},
	})
}

func escrowReleaseCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "release <escrow-id>",
		Short: "Release escrowed funds to the tradie",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient().ReleaseEscrow(cmd.Context(), args[0], notes)
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Println("warning:", w)
			}
			return printEscrow(res.Escrow)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "release notes")
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{Use: "dispute", Short: "Open and resolve disputes"}
	var reason string
	open := &cobra.Command{
		Use:   "open <project-id>",
		Short: "Dispute a project and freeze its escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().OpenDispute(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printProject(p)
		},
	}
	open.Flags().StringVar(&reason, "reason", "", "dispute reason")
	_ = open.MarkFlagRequired("reason")

	var to, notes string
	resolve := &cobra.Command{
		Use:   "resolve <project-id>",
		Short: "Resolve a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := apiClient().ResolveDispute(cmd.Context(), args[0], to, notes)
			if err != nil {
				return err
			}
			return printProject(p)
		},
	}
	resolve.Flags().StringVar(&to, "to", "", "status to resolve to (released, cancelled, in_progress, ...)")
	resolve.Flags().StringVar(&notes, "notes", "", "resolution notes")
	_ = resolve.MarkFlagRequired("to")

	d.AddCommand(open, resolve)
	return d
}

func withdrawalCmd() *cobra.Command {
	wd := &cobra.Command{Use: "withdrawal", Short: "Manage withdrawals"}
	wd.AddCommand(withdrawalRequestCmd())
	wd.AddCommand(withdrawalListCmd())
	wd.AddCommand(withdrawalMoveCmd("approve", "Approve a pending withdrawal", ""))
	wd.AddCommand(withdrawalMoveCmd("process", "Hand an approved withdrawal to payouts", "payout-ref"))
	wd.AddCommand(withdrawalMoveCmd("complete", "Mark a withdrawal paid out", ""))
	wd.AddCommand(withdrawalMoveCmd("reject", "Reject a withdrawal", "reason"))
	return wd
}

func printWithdrawal(w escrowsdk.Withdrawal) error {
	return printFields(w, [][2]string{
		{"ID", w.ID},
		{"Reference", w.ReferenceNumber},
		{"Tradie", w.TradieID},
		{"Escrow", w.EscrowAccountID},
		{"Status", w.Status},
		{"Requested", w.RequestedAmount},
		{"Fee", w.ProcessingFee},
		{"Final", w.FinalAmount},
		{"Account", w.BankDetails.AccountNumber},
		{"Rejection", deref(w.RejectionReason)},
	})
}

func withdrawalRequestCmd() *cobra.Command {
	var in escrowsdk.WithdrawalInput
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a withdrawal of released funds",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := apiClient().RequestWithdrawal(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printWithdrawal(w)
		},
	}
	cmd.Flags().StringVar(&in.TradieID, "tradie", "", "tradie id (defaults to the caller)")
	cmd.Flags().StringVar(&in.EscrowID, "escrow", "", "escrow account id")
	cmd.Flags().StringVar(&in.Amount, "amount", "", "amount to withdraw")
	cmd.Flags().StringVar(&in.Bank.AccountName, "account-name", "", "bank account name")
	cmd.Flags().StringVar(&in.Bank.RoutingNumber, "routing-number", "", "bank routing number")
	cmd.Flags().StringVar(&in.Bank.AccountNumber, "account-number", "", "bank account number")
	for _, f := range []string{"escrow", "amount", "account-name", "routing-number", "account-number"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func withdrawalListCmd() *cobra.Command {
	var tradie, escrow, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().ListWithdrawals(cmd.Context(), tradie, escrow, status)
			if err != nil {
				return err
			}
			rows := make([]table.Row, 0, len(items))
			for _, w := range items {
				rows = append(rows, table.Row{w.ReferenceNumber, w.TradieID, w.Status, w.RequestedAmount, w.FinalAmount, w.BankDetails.AccountNumber})
			}
			return printTable(items, table.Row{"Reference", "Tradie", "Status", "Requested", "Final", "Account"}, rows)
		},
	}
	cmd.Flags().StringVar(&tradie, "tradie", "", "tradie id")
	cmd.Flags().StringVar(&escrow, "escrow", "", "escrow account id")
	cmd.Flags().StringVar(&status, "status", "", "withdrawal status")
	return cmd
}

// withdrawalMoveCmd builds approve/process/complete/reject. argFlag names the single text
// flag the action takes, if any.
func withdrawalMoveCmd(action, short, argFlag string) *cobra.Command {
	var arg string
	cmd := &cobra.Command{
		Use:   action + " <withdrawal-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := apiClient()
			var (
				w   escrowsdk.Withdrawal
				err error
			)
			switch action {
			case "approve":
				w, err = c.ApproveWithdrawal(cmd.Context(), args[0])
			case "process":
				w, err = c.ProcessWithdrawal(cmd.Context(), args[0], arg)
			case "complete":
				w, err = c.CompleteWithdrawal(cmd.Context(), args[0])
			case "reject":
				w, err = c.RejectWithdrawal(cmd.Context(), args[0], arg)
			default:
				return fmt.Errorf("unknown action %q", action)
			}
			if err != nil {
				return err
			}
			return printWithdrawal(w)
		},
	}
	if argFlag != "" {
		cmd.Flags().StringVar(&arg, argFlag, "", argFlag)
		if action == "reject" {
			_ = cmd.MarkFlagRequired(argFlag)
		}
	}
	return cmd
}

func balanceCmd() *cobra.Command {
	var entries int
	cmd := &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's balance and recent ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := apiClient().Balance(cmd.Context(), args[0], entries)
			if err != nil {
				return err
			}
			if err := printFields(b, [][2]string{
				{"User", b.UserID},
				{"Available", b.Available},
				{"Credited", b.TotalCredited},
				{"Withdrawn", b.TotalWithdrawn},
			}); err != nil || viper.GetBool("json") || len(b.Entries) == 0 {
				return err
			}
			rows := make([]table.Row, 0, len(b.Entries))
			for _, e := range b.Entries {
				rows = append(rows, table.Row{strconv.FormatInt(e.ID, 10), e.Kind, e.Amount, e.EntityID})
			}
			return printTable(nil, table.Row{"Entry", "Kind", "Amount", "Entity"}, rows)
		},
	}
	cmd.Flags().IntVar(&entries, "entries", 20, "number of ledger entries")
	return cmd
}
