// Command securemsg-client is a CLI for talking to a securemsg relay.
//
// Usage:
//
//	securemsg-client handshake           Connect and print the pinned relay fingerprint, if any
//	securemsg-client send <message>      Connect, send a message, and wait for its ack
//	securemsg-client listen              Connect and print incoming messages until interrupted
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/relaywire/securemsg/internal/errs"
	"github.com/relaywire/securemsg/internal/identity"
	"github.com/relaywire/securemsg/internal/keys"
	"github.com/relaywire/securemsg/internal/session"
)

type globalOpts struct {
	RelayURL       string           `long:"relay" description:"Relay websocket URL" default:"ws://127.0.0.1:8080"`
	IdentityPath   string           `long:"identity" description:"Path to this client's identity key file"`
	ServerIdentity string           `long:"server-identity" description:"Relay identity public key (hex, from its startup log) to pin out-of-band"`
	Verbose        bool             `short:"v" long:"verbose" description:"Enable verbose logging"`
	Handshake      handshakeCommand `command:"handshake" description:"Connect and print the pinned relay fingerprint"`
	Send           sendCommand      `command:"send" description:"Send a message and wait for its ack"`
	Listen         listenCommand    `command:"listen" description:"Listen for incoming messages"`
}

type handshakeCommand struct{}

type sendCommand struct {
	Args struct {
		Message string `positional-arg-name:"message" required:"true" description:"Plaintext message to send"`
	} `positional-args:"true" required:"true"`
}

type listenCommand struct{}

var opts globalOpts

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func identityPath() string {
	if opts.IdentityPath != "" {
		return opts.IdentityPath
	}
	return identity.DefaultPath
}

func loadIdentity() (identity.KeyPair, error) {
	return identity.LoadOrGenerate(identityPath())
}

// sessionOptions assembles the session.Options common to every
// subcommand, pinning the relay's identity when --server-identity was
// given.
func sessionOptions() ([]session.Option, error) {
	opts2 := []session.Option{session.WithLogger(logger()), session.WithObserver(printObserver{})}
	if opts.ServerIdentity == "" {
		return opts2, nil
	}
	raw, err := hex.DecodeString(opts.ServerIdentity)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("--server-identity: want 32 bytes of hex, got %q", opts.ServerIdentity)
	}
	var pub keys.PublicKey32
	copy(pub[:], raw)
	return append(opts2, session.WithExpectedResponderIdentity(pub)), nil
}

type printObserver struct {
	session.NopObserver
}

func (printObserver) OnMessage(peerID string, plaintext []byte) {
	fmt.Printf("[%s] %s\n", peerID, string(plaintext))
}

func (printObserver) OnError(kind errs.Kind) {
	fmt.Fprintf(os.Stderr, "error: %s\n", kind.String())
}

func (printObserver) OnConnected() {
	fmt.Fprintln(os.Stderr, "connected")
}

func (printObserver) OnDisconnected() {
	fmt.Fprintln(os.Stderr, "disconnected")
}

func (cmd *handshakeCommand) Execute(args []string) error {
	kp, err := loadIdentity()
	if err != nil {
		return err
	}

	sessOpts, err := sessionOptions()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := session.New(kp.Private, opts.RelayURL, sessOpts...)
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return err
	}

	remote := sess.RemoteIdentity()
	if remote == (keys.PublicKey32{}) {
		fmt.Println("connected (no --server-identity given; nothing pinned)")
		return nil
	}
	fmt.Printf("pinned relay fingerprint: %s\n", identity.Fingerprint(remote))
	return nil
}

func (cmd *sendCommand) Execute(args []string) error {
	kp, err := loadIdentity()
	if err != nil {
		return err
	}

	sessOpts, err := sessionOptions()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := session.New(kp.Private, opts.RelayURL, sessOpts...)
	defer sess.Close()

	if err := sess.Connect(ctx); err != nil {
		return err
	}

	messageID, err := sess.Send(ctx, session.ServerPeerID, []byte(cmd.Args.Message))
	if err != nil {
		return err
	}

	ok, err := sess.Wait(messageID, 5*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("send: relay acknowledged failure")
	}
	fmt.Println("sent")
	return nil
}

func (cmd *listenCommand) Execute(args []string) error {
	kp, err := loadIdentity()
	if err != nil {
		return err
	}

	sessOpts, err := sessionOptions()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sess := session.New(kp.Private, opts.RelayURL, sessOpts...)
	defer sess.Close()

	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	if err := sess.Connect(connectCtx); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}
