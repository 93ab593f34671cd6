package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"ppy-wallet/go-core/internal/composition/chainclient"
	"ppy-wallet/go-core/internal/config"
	"ppy-wallet/go-core/internal/keys"
	"ppy-wallet/go-core/internal/platform/privacylog"
	"ppy-wallet/go-core/internal/txbuilder"
)

const envPassword = "PPY_PASSWORD"

var errUsage = errors.New("usage: ppy-client [-config path] <watch|status|object|balance|keys|mnemonic|transfer> [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("ppy-client", flag.ContinueOnError)
	configPath := global.String("config", "", "Path to config.yaml (optional)")
	verbose := global.Bool("v", false, "log client activity to stderr")
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "mnemonic":
		phrase, err := keys.NewMnemonic()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, phrase)
		return err
	case "keys":
		return printKeys(cmdArgs, out)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	cfg := config.LoadFromPath(*configPath)
	client := chainclient.New(cfg, chainclient.Options{
		Logger:     privacylog.NewJSONLogger(os.Stderr, level),
		Registerer: prometheus.NewRegistry(),
	})
	defer client.Close()

	if cmd == "watch" {
		return watch(ctx, client, out)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	switch cmd {
	case "status":
		return writeJSON(out, client.Status())
	case "object":
		if len(cmdArgs) != 1 {
			return errors.New("usage: ppy-client object <id>")
		}
		obj, err := client.GetObject(ctx, cmdArgs[0], false)
		if err != nil {
			return err
		}
		return writeJSON(out, obj)
	case "balance":
		if len(cmdArgs) < 1 || len(cmdArgs) > 2 {
			return errors.New("usage: ppy-client balance <account> [asset_id]")
		}
		asset := ""
		if len(cmdArgs) == 2 {
			asset = cmdArgs[1]
		}
		balance, err := client.Balance(ctx, cmdArgs[0], asset)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, balance)
		return err
	case "transfer":
		return transfer(ctx, client, cmdArgs, out)
	default:
		return errUsage
	}
}

// watch prints status and broadcast events until ctx ends.
func watch(ctx context.Context, client *chainclient.Client, out io.Writer) error {
	replay, events, cancel := client.Subscribe(0)
	defer cancel()
	for _, evt := range replay {
		if err := writeJSON(out, evt); err != nil {
			return err
		}
	}
	if err := client.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "initial connect failed, retrying:", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if err := writeJSON(out, evt); err != nil {
				return err
			}
		}
	}
}

func transfer(ctx context.Context, client *chainclient.Client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("transfer", flag.ContinueOnError)
	from := fs.String("from", "", "sender account name")
	to := fs.String("to", "", "recipient account name")
	amount := fs.String("amount", "", "human-readable amount, e.g. 1.5")
	asset := fs.String("asset", "", "asset id (defaults to the core asset)")
	memoText := fs.String("memo", "", "optional memo")
	broadcast := fs.Bool("broadcast", false, "submit the signed transaction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" || *to == "" || *amount == "" {
		return errors.New("usage: ppy-client transfer -from a -to b -amount x [-asset id] [-memo text] [-broadcast]")
	}
	password := os.Getenv(envPassword)
	if password == "" {
		return fmt.Errorf("%s is required", envPassword)
	}

	set, err := client.Login(ctx, *from, password)
	if err != nil {
		return err
	}
	defer set.Zero()

	tx, err := client.BuildTransfer(ctx, txbuilder.TransferRequest{
		From: *from, To: *to, Amount: *amount, AssetID: *asset, Memo: *memoText, Keys: set,
	})
	if err != nil {
		return err
	}
	envelope, err := tx.Serialize()
	if err != nil {
		return err
	}
	id, err := tx.ID()
	if err != nil {
		return err
	}
	if *broadcast {
		if err := client.Broadcast(ctx, tx); err != nil {
			return err
		}
	}
	return writeJSON(out, map[string]any{
		"tx_id":       id,
		"stage":       tx.Stage().String(),
		"transaction": tx,
		"envelope":    base64.StdEncoding.EncodeToString(envelope),
	})
}

// printKeys derives the role keys for an account from PPY_PASSWORD and
// prints only the public halves.
func printKeys(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keys", flag.ContinueOnError)
	prefix := fs.String("prefix", config.PrefixMainnet, "public key prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: ppy-client keys [-prefix PPY] <account>")
	}
	password := os.Getenv(envPassword)
	if password == "" {
		return fmt.Errorf("%s is required", envPassword)
	}
	set, err := keys.FromPassword(strings.TrimSpace(fs.Arg(0)), password)
	if err != nil {
		return err
	}
	defer set.Zero()
	public := make(map[string]string, len(keys.Roles))
	for _, role := range keys.Roles {
		public[string(role)] = set.Public(role, *prefix)
	}
	return writeJSON(out, public)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
