// Command vectorcore is the thin CLI surface over this module's account,
// storage, DM, MLS, and subscription packages. It does not
// attempt to reproduce a UI: it is the "account select, login, smoke-run"
// wiring the rest of the stack is exercised through, the same role the
// example pack's own cmd/ entrypoints play for their services.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/vectorprivacy/vectorcore/internal/account"
	"github.com/vectorprivacy/vectorcore/internal/config"
	"github.com/vectorprivacy/vectorcore/internal/dm"
	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/mls"
	"github.com/vectorprivacy/vectorcore/internal/mlsengine"
	"github.com/vectorprivacy/vectorcore/internal/nostrutil"
	"github.com/vectorprivacy/vectorcore/internal/obs"
	"github.com/vectorprivacy/vectorcore/internal/state"
	"github.com/vectorprivacy/vectorcore/internal/storage"
	"github.com/vectorprivacy/vectorcore/internal/subscribe"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "accounts":
		runAccounts(os.Args[2:])
	case "login":
		runLogin(os.Args[2:])
	case "send":
		runSend(os.Args[2:])
	case "run":
		runDaemon(os.Args[2:])
	case "version":
		fmt.Println("vectorcore (dev)")
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vectorcore [accounts|login|send|run|version] [flags]")
}

// sharedFlags are accepted by every subcommand that touches the account
// store.
func sharedFlags(fs *flag.FlagSet) (configPath, keyFile *string, debug *bool) {
	configPath = fs.String("config", "", "path to config file")
	keyFile = fs.String("keyfile", "", "path to an nsec/hex secret key file")
	debug = fs.Bool("debug", false, "enable debug logging")
	return
}

func mustLoad(configPath string) (config.Config, *slog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	return cfg, obs.New(false)
}

func runAccounts(args []string) {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	configPath, _, _ := sharedFlags(fs)
	_ = fs.Parse(args)

	cfg, _ := mustLoad(*configPath)
	mgr := account.New(cfg.DataDir)

	ctx := context.Background()
	accounts, err := mgr.ListAccounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list accounts: %v\n", err)
		os.Exit(1)
	}
	if len(accounts) == 0 {
		fmt.Println("no accounts")
		return
	}
	for _, npub := range accounts {
		fmt.Println(npub)
	}
}

// runLogin derives (or loads) a keypair, creates the account's database if
// it doesn't exist, stamps the private key into settings as the pkey value
// (stored as given, not encrypted), and makes the account active — the
// first-boot-login scenario §8 describes.
func runLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	configPath, keyFile, _ := sharedFlags(fs)
	generate := fs.Bool("generate", false, "generate a fresh keypair instead of loading one")
	_ = fs.Parse(args)

	cfg, log := mustLoad(*configPath)
	mgr := account.New(cfg.DataDir)

	var keys nostrutil.Keys
	var err error
	if *generate {
		keys, err = nostrutil.GenerateKeys()
	} else {
		keys, err = nostrutil.LoadKeys(*keyFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}

	if err := mgr.InitProfileDatabase(keys.Npub); err != nil {
		fmt.Fprintf(os.Stderr, "login: init database: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.SetCurrentAccount(keys.Npub); err != nil {
		fmt.Fprintf(os.Stderr, "login: select account: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := mgr.GetDBConnection(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}
	if err := storage.SettingsSet(ctx, db, "pkey", keys.PrivateKey); err != nil {
		fmt.Fprintf(os.Stderr, "login: store key: %v\n", err)
		os.Exit(1)
	}

	log.Info("logged in", "npub", keys.Npub)
	fmt.Println(keys.Npub)
}

// runSend sends one message, either a DM through the real NIP-17 gift-wrap
// path (-to) or an MLS group message through the driver (-group), for smoke
// testing the send path end to end against live relays.
func runSend(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath, keyFile, debug := sharedFlags(fs)
	to := fs.String("to", "", "recipient npub or hex pubkey")
	group := fs.String("group", "", "mls group id to send into, instead of a DM")
	text := fs.String("text", "", "message content")
	replyTo := fs.String("reply-to", "", "id of the message being replied to")
	_ = fs.Parse(args)

	if *text == "" || (*to == "" && *group == "") || (*to != "" && *group != "") {
		fmt.Fprintln(os.Stderr, "send: -text and exactly one of -to or -group are required")
		os.Exit(1)
	}

	cfg, log := mustLoad(*configPath)
	if *debug {
		log = obs.New(true)
	}

	keys, err := nostrutil.LoadKeys(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}

	mgr := account.New(cfg.DataDir)
	if err := mgr.SetCurrentAccount(keys.Npub); err != nil {
		fmt.Fprintf(os.Stderr, "send: select account: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()
	db, err := mgr.GetDBConnection(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}

	st := state.New()
	emitter := obsEmitter{log: log}
	kr, err := keyer.NewPlainKeySigner(keys.PrivateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}
	pool := nostr.NewSimplePool(ctx)
	publisher := dm.PoolPublisher{Pool: pool, Log: log}

	if *group != "" {
		engineStore := mlsengine.NewMemoryStore()
		driver := &mls.Driver{
			DB:         db,
			State:      st,
			Emitter:    emitter,
			Engines:    mlsengine.NewFakeFactory(engineStore),
			Fetcher:    mls.NostrFetcher{Pool: pool, Relays: cfg.Relays, Log: log},
			Sealer:     mls.NostrWelcomeSealer{Keyer: kr},
			Publisher:  publisher,
			Resolver:   mls.NostrKeyPackageResolver{Pool: pool, Relays: cfg.Relays},
			SelfPubkey: keys.PublicKey,
			Relays:     cfg.Relays,
		}
		msg, err := driver.SendMessage(ctx, *group, *text, *replyTo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sent %s into group %s\n", msg.ID, *group)
		return
	}

	recipient, err := resolvePubkey(*to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}

	sender := dm.NewSender(db, st, emitter, dm.NostrWrapper{Keyer: kr}, publisher, keys.PublicKey, cfg.Relays)

	msg, err := sender.Send(ctx, recipient, *text, *replyTo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("sent %s (wrapper %s)\n", msg.ID, msg.WrapperEventID)
}

// runDaemon logs in (or resumes the active account), wires the full L3/L4
// stack against live relays, and runs the subscription handler until
// interrupted — the steady-state control flow §2 describes end to end.
func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath, keyFile, debug := sharedFlags(fs)
	_ = fs.Parse(args)

	cfg, _ := mustLoad(*configPath)
	log := obs.New(*debug)

	keys, err := nostrutil.LoadKeys(*keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	mgr := account.New(cfg.DataDir)
	if err := mgr.InitProfileDatabase(keys.Npub); err != nil {
		fmt.Fprintf(os.Stderr, "run: init database: %v\n", err)
		os.Exit(1)
	}
	if err := mgr.SetCurrentAccount(keys.Npub); err != nil {
		fmt.Fprintf(os.Stderr, "run: select account: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := mgr.GetDBConnection(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	_ = storage.SettingsSet(ctx, db, "pkey", keys.PrivateKey)

	st := state.New()
	emitter := events.NewChanEmitter(64)
	go drainEvents(emitter, log)

	kr, err := keyer.NewPlainKeySigner(keys.PrivateKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	pool := nostr.NewSimplePool(ctx)
	publisher := dm.PoolPublisher{Pool: pool, Log: log}

	// No Go MLS library exists anywhere in the example pack or, at time of
	// writing, the wider ecosystem (spec §1 treats it as an external
	// collaborator this core only consumes). The in-memory engine stands
	// in here so the daemon still exercises the full MLS driver end to
	// end; swapping in a real mlsengine.Factory is the only change a future
	// build against an actual MLS library would need.
	engineStore := mlsengine.NewMemoryStore()
	driver := &mls.Driver{
		DB:         db,
		State:      st,
		Emitter:    emitter,
		Engines:    mlsengine.NewFakeFactory(engineStore),
		Fetcher:    mls.NostrFetcher{Pool: pool, Relays: cfg.Relays, Log: log},
		Sealer:     mls.NostrWelcomeSealer{Keyer: kr},
		Publisher:  publisher,
		Resolver:   mls.NostrKeyPackageResolver{Pool: pool, Relays: cfg.Relays},
		SelfPubkey: keys.PublicKey,
		Relays:     cfg.Relays,
	}

	handler := &subscribe.Handler{
		DB:         db,
		State:      st,
		Emitter:    emitter,
		Unwrapper:  subscribe.NostrUnwrapper{Keyer: kr},
		Mls:        driver,
		SelfPubkey: keys.PublicKey,
		Log:        log,
	}

	giftSource := subscribe.NostrGiftWrapSource{
		Pool:       pool,
		Relays:     cfg.Relays,
		SelfPubkey: keys.PublicKey,
		Since:      time.Now().Unix(),
		Log:        log,
	}
	groupSource := subscribe.NostrGroupWrapperSource{
		Pool:   pool,
		Relays: cfg.Relays,
		Since:  time.Now().Unix(),
		Log:    log,
	}

	log.Info("vectorcore running", "npub", keys.Npub, "relays", len(cfg.Relays))

	if err := handler.Run(ctx, giftSource, groupSource); err != nil && ctx.Err() == nil {
		log.Error("subscription handler stopped", "error", err)
		os.Exit(1)
	}
	log.Info("vectorcore stopped")
}

// resolvePubkey accepts either a bech32 npub or a raw hex pubkey.
func resolvePubkey(s string) (string, error) {
	if !strings.HasPrefix(s, "npub1") {
		return s, nil
	}
	prefix, val, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode npub: %w", err)
	}
	if prefix != "npub" {
		return "", fmt.Errorf("expected npub prefix, got %s", prefix)
	}
	return val.(string), nil
}

func drainEvents(ch *events.ChanEmitter, log *slog.Logger) {
	for ev := range ch.C() {
		log.Debug("event", "kind", ev.Kind, "payload", ev.Payload)
	}
}

// obsEmitter logs every event at debug level; used by the one-shot send
// command, which has no long-lived drain loop of its own.
type obsEmitter struct {
	log *slog.Logger
}

func (e obsEmitter) Emit(ev events.Event) {
	e.log.Debug("event", "kind", ev.Kind, "payload", ev.Payload)
}
