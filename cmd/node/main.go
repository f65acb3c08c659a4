// Command node runs a tolflip wager node and provides key helpers.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/tolflip/commitment"
	"github.com/tolelom/tolflip/config"
	"github.com/tolelom/tolflip/crypto"
	"github.com/tolelom/tolflip/events"
	"github.com/tolelom/tolflip/flip"
	"github.com/tolelom/tolflip/indexer"
	"github.com/tolelom/tolflip/ledger"
	"github.com/tolelom/tolflip/rpc"
	"github.com/tolelom/tolflip/storage"
	"github.com/tolelom/tolflip/vm"
	"github.com/tolelom/tolflip/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/tolelom/tolflip/vm/modules/economy"
	_ "github.com/tolelom/tolflip/vm/modules/wager"
)

// version is set by ldflags during build
var version = "dev"

// passwordEnv names the variable holding the keystore password; flags leak
// via ps.
const passwordEnv = "TOLFLIP_PASSWORD"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Serve   ServeCmd         `cmd:"" help:"Run the wager node"`
	Genkey  GenkeyCmd        `cmd:"" help:"Generate a key and save it to an encrypted keystore"`
	Address AddressCmd       `cmd:"" help:"Print the address of a keystore"`
	Commit  CommitCmd        `cmd:"" help:"Derive and sign a commitment for a secret"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("tolflip"),
		kong.Description("Two-party commit-and-match coin-flip wagers"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

// ServeCmd starts the RPC server over a LevelDB-backed ledger and registry.
type ServeCmd struct {
	Config string `kong:"default='config.toml',help='Path to TOML config file'"`
	Debug  bool   `kong:"help='Enable debug logging'"`
}

func (c *ServeCmd) Run() error {
	cfg := config.DefaultConfig()
	if _, err := os.Stat(c.Config); err == nil {
		if cfg, err = config.Load(c.Config); err != nil {
			return err
		}
	} else {
		log.Warn("config file not found, using defaults", "path", c.Config)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	if c.Debug {
		lvl = log.DebugLevel
	}
	logger.SetLevel(lvl)
	logger = logger.With("node", cfg.NodeID)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "flip"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	led := ledger.New(db)
	applied, err := config.ApplyGenesis(cfg, db, led)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if applied {
		logger.Info("genesis applied", "chain", cfg.Genesis.ChainID, "accounts", len(cfg.Genesis.Alloc))
	}

	var rec commitment.Recoverer = crypto.Secp256k1Recoverer{}
	if cfg.RecoverCacheSize > 0 {
		if rec, err = commitment.NewCachingRecoverer(rec, cfg.RecoverCacheSize); err != nil {
			return err
		}
	}

	emitter := events.NewEmitter(logger)
	games := storage.NewGameRegistry(db)
	idx := indexer.New(db, emitter, logger)
	machine := flip.New(games, led, commitment.NewVerifier(rec),
		flip.WithEmitter(emitter),
		flip.WithLogger(logger),
	)
	exec := vm.NewExecutor(cfg.Genesis.ChainID, machine, led, emitter, logger)
	srv := rpc.NewServer(cfg.RPCAddr, rpc.NewHandler(exec, machine, games, led, idx), emitter, cfg.RPCAuthToken, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("rpc start: %w", err)
		}
		logger.Info("node running", "chain", cfg.Genesis.ChainID, "rpc", srv.Addr())
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Stop()
	})
	return g.Wait()
}

// GenkeyCmd writes a fresh key to an encrypted keystore.
type GenkeyCmd struct {
	Key string `kong:"default='player.key',help='Keystore output path'"`
}

func (c *GenkeyCmd) Run() error {
	password := keystorePassword()
	w, err := wallet.Generate()
	if err != nil {
		return err
	}
	if err := wallet.SaveKey(c.Key, password, w.PrivKey()); err != nil {
		return err
	}
	fmt.Printf("Generated key. Address: %s\n", w.Address().Hex())
	fmt.Printf("Saved to: %s\n", c.Key)
	return nil
}

// AddressCmd prints the address stored in a keystore.
type AddressCmd struct {
	Key string `kong:"default='player.key',help='Keystore path'"`
}

func (c *AddressCmd) Run() error {
	priv, err := wallet.LoadKey(c.Key, keystorePassword())
	if err != nil {
		return err
	}
	fmt.Println(priv.Address().Hex())
	return nil
}

// CommitCmd prints the commitment hash and signature for a secret.
type CommitCmd struct {
	Key    string `kong:"default='player.key',help='Keystore path'"`
	Secret string `kong:"arg,help='Secret number (decimal or 0x-hex)'"`
}

func (c *CommitCmd) Run() error {
	secret, ok := new(big.Int).SetString(c.Secret, 0)
	if !ok {
		return fmt.Errorf("invalid secret %q", c.Secret)
	}
	priv, err := wallet.LoadKey(c.Key, keystorePassword())
	if err != nil {
		return err
	}
	hash, sig, err := wallet.New(priv).Commit(secret)
	if err != nil {
		return err
	}
	fmt.Printf("commitment: %s\n", hash.Hex())
	fmt.Printf("v: %d\nr: %s\ns: %s\n", sig.V, sig.R.Hex(), sig.S.Hex())
	fmt.Printf("signature: %s\n", sig.Hex())
	return nil
}

func keystorePassword() string {
	password := os.Getenv(passwordEnv)
	if password == "" {
		log.Warn(passwordEnv + " not set; keystore uses an empty password")
	}
	return password
}
