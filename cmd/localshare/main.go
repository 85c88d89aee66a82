package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/xf079/LocalShare/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "localshare",
	Short: "Peer-to-peer chat and file sharing over WebRTC",
	Long: `LocalShare connects peers in a shared room through a signaling relay,
negotiates direct WebRTC connections between them, and exchanges chat
messages and files of any size over the resulting data channels.`,
}

func main() {
	logging.Init()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
