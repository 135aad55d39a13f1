package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	socketFlag := flag.String("socket", "", "unix socket path (overrides the session default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, SocketPath: *socketFlag}),
	)
	if err := app.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app.Run()
}
