package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoveResultsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-results",
		Short: "撮影結果と画像をすべて削除する",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.RemoveAllResults(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s を削除しました\n", a.cfg.Results.Dir)
			return nil
		},
	}
}

func newDecodeQRCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decode-qr IMAGE",
		Short: "画像に含まれるQRコードをすべて読み取る",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			codes, err := a.manager.DecodeQR(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), codes)
			}
			for _, code := range codes {
				fmt.Fprintln(cmd.OutOrStdout(), code)
			}
			return nil
		},
	}
}
