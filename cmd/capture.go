package cmd

import (
	"fmt"
	"text/tabwriter"

	"camarray/internal/camera"
	"camarray/internal/capture"
	"camarray/internal/manager"

	"github.com/spf13/cobra"
)

func printResults(cmd *cobra.Command, opts *rootOptions, results []capture.Result) error {
	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), results)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tTIMESTAMP\tEXPOSURE\tAUTO\tROTATION\tRESULT")
	for _, r := range results {
		outcome := "-"
		switch {
		case r.Success && r.ImagePath != nil:
			outcome = *r.ImagePath
		case r.ErrorMsg != nil:
			outcome = "error: " + *r.ErrorMsg
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\t%s\n",
			r.Identity, r.Timestamp, r.ExposureTime, r.AutoExposure, r.RotationAngle, outcome)
	}
	return w.Flush()
}

func newCaptureCmd(opts *rootOptions) *cobra.Command {
	var (
		identities []string
		exposures  []string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "カメラで撮影する",
		Long: `指定したカメラで count 枚ずつ撮影し、結果を保存します。

--exposure はマイクロ秒の整数、auto、default のいずれかで、
1つ指定すると全画像に、count 個指定すると画像ごとに適用されます。
省略した場合は各カメラの既定値を使います。`,
		Example: `  # 全カメラで1枚ずつ
  camarray capture

  # 2台で3枚ずつ、露出を変えながら
  camarray capture -i front -i back -n 3 -e 1000 -e 5000 -e auto`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]camera.Exposure, 0, len(exposures))
			for _, s := range exposures {
				exp, err := camera.ParseExposure(s)
				if err != nil {
					return err
				}
				parsed = append(parsed, exp)
			}

			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			results, err := a.manager.Capture(cmd.Context(), manager.CaptureRequest{
				Identities: identities,
				Exposures:  parsed,
				Count:      count,
			})
			if results != nil {
				if perr := printResults(cmd, opts, results); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().StringSliceVarP(&identities, "identity", "i", nil, "撮影するカメラ（省略時は全カメラ）")
	cmd.Flags().StringSliceVarP(&exposures, "exposure", "e", nil, "露出（マイクロ秒、auto、default）")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "1台あたりの枚数")

	return cmd
}

func newLatestCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "latest IDENTITY",
		Short: "最新の撮影結果を表示する",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if all {
				history, err := a.manager.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printResults(cmd, opts, history)
			}

			res, err := a.manager.Latest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResults(cmd, opts, []capture.Result{res})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "保存されている履歴をすべて表示する")

	return cmd
}
