package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"camarray/internal/camera"
	"camarray/internal/identity"

	"github.com/spf13/cobra"
)

func printCameras(cmd *cobra.Command, opts *rootOptions, cams []identity.LogicalCamera) error {
	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), cams)
	}
	if len(cams) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "カメラは設定されていません")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tEXPOSURE\tGAMMA\tROTATION\tMODEL\tSERIAL")
	for _, cam := range cams {
		fmt.Fprintf(w, "%s\t%s\t%g\t%d\t%s\t%s\n",
			cam.Identity, cam.DefaultExposure, cam.DefaultGamma, cam.Rotation,
			attr(cam.Fingerprint, "model"), attr(cam.Fingerprint, "serial"))
	}
	return w.Flush()
}

func attr(a camera.Attributes, name string) string {
	if v := a[name]; v != nil {
		return *v
	}
	return "-"
}

func newConfigureCmd(opts *rootOptions) *cobra.Command {
	var keep, drop bool

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "接続中のカメラから設定を作り直す",
		Long: `接続中のデバイスを列挙して、カメラの設定を作り直します。

既に設定済みのカメラと属性が一致したデバイスは名前と既定値を引き継ぎます。
新しいデバイスには camera_N の名前が付きます。撮影結果はすべて削除されます。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep && drop {
				return fmt.Errorf("--keep-missing と --drop-missing は同時に指定できません")
			}
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			policy := a.manager.MissingPolicy()
			switch {
			case keep:
				policy = identity.PolicyKeepMissing
			case drop:
				policy = identity.PolicyDropMissing
			}

			cams, err := a.manager.Configure(cmd.Context(), policy)
			if err != nil {
				return err
			}
			return printCameras(cmd, opts, cams)
		},
	}

	cmd.Flags().BoolVar(&keep, "keep-missing", false, "見つからないカメラの設定を残す")
	cmd.Flags().BoolVar(&drop, "drop-missing", false, "見つからないカメラの設定を削除する")

	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "設定済みのカメラを表示する",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			cams, err := a.manager.List(cmd.Context())
			if err != nil {
				return err
			}
			return printCameras(cmd, opts, cams)
		},
	}
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "設定済みのカメラが接続されているかを確認する",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.manager.Check(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tSTATUS\tDEVICE\tREASON")
			for _, cam := range report.Cameras {
				status, device := "missing", "-"
				if cam.Connected {
					status, device = "ok", cam.Path
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cam.Identity, status, device, cam.Reason)
			}
			for _, pc := range report.Unconfigured {
				fmt.Fprintf(w, "-\tunconfigured\t%s\t%s %s\n", pc.Path, attr(pc.Fingerprint, "model"), attr(pc.Fingerprint, "serial"))
			}
			return w.Flush()
		},
	}
}

func newRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "カメラ名を変更する",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.Rename(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func newSetExposureCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-exposure IDENTITY (MICROSECONDS|auto)",
		Short: "撮影時の既定の露出を設定する",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := camera.ParseExposure(args[1])
			if err != nil {
				return err
			}

			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.SetDefaultExposure(cmd.Context(), args[0], exp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: exposure_time=%s\n", args[0], exp)
			return nil
		},
	}
}

func newSetRotationCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-rotation IDENTITY (0|90|180|270)",
		Short: "画像の回転角（時計回り）を設定する",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rotation, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("回転角は整数で指定してください: %q", args[1])
			}

			a, err := loadApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.SetDefaultRotation(cmd.Context(), args[0], rotation); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: rotation=%d\n", args[0], rotation)
			return nil
		},
	}
}
