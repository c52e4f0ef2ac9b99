package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/talkincode/wapair/internal/pairing"
)

func newPairCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair <phone>",
		Short: "Pair a phone number from the terminal and wait until the session is ready",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Release()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			coord := a.Pairing()
			res := coord.GeneratePairingCode(ctx, args[0])
			if !res.Success {
				return errors.New(res.Message)
			}
			fmt.Fprintf(out, "Session: %s\n", res.SessionID)

			printedQR, printedCode := false, false
			readyTicks := 0
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				view := coord.Status(res.SessionID)
				if view.QR != nil && !printedQR && view.Code == nil {
					fmt.Fprintln(out, "Scan this QR code with WhatsApp, or wait for the pairing code:")
					qrterminal.GenerateHalfBlock(*view.QR, qrterminal.L, out)
					printedQR = true
				}
				if view.Code != nil && !printedCode {
					fmt.Fprintf(out, "Pairing code: %s\nWhatsApp > Linked devices > Link with phone number\n", *view.Code)
					printedCode = true
				}
				switch view.Status {
				case pairing.StatusReady:
					if view.SessionSent {
						fmt.Fprintf(out, "Ready. Credentials sent to your WhatsApp and saved under %s\n", a.Files().Root())
						return nil
					}
					// delivery is best-effort
					if readyTicks++; readyTicks > 30 {
						fmt.Fprintf(out, "Ready. Credentials saved under %s (delivery not confirmed)\n", a.Files().Root())
						return nil
					}
				case pairing.StatusError:
					return errors.Errorf("pairing failed: %s", view.Message)
				case pairing.StatusNotFound:
					return errors.New("session expired")
				}
				select {
				case <-ctx.Done():
					coord.Cleanup(res.SessionID)
					return ctx.Err()
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}
