package main

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ruteri/confidential-contract-engine/api"
	"github.com/ruteri/confidential-contract-engine/api/clients"
	"github.com/ruteri/confidential-contract-engine/cmd/flags"
	"github.com/ruteri/confidential-contract-engine/common"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/ruteri/confidential-contract-engine/keychain"
	"github.com/urfave/cli/v2"
)

var flagClientKey = &cli.StringFlag{
	Name:  "client-key-file",
	Value: "client-key.json",
	Usage: "Path to the caller's X25519 key",
}
var flagIOPubkey = &cli.StringFlag{
	Name:  "io-pubkey",
	Usage: "Engine I/O public key in hex, fetched from the engine when empty",
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminKeys = &cli.StringFlag{
	Name:  "admin-keys-file",
	Value: "admin-keys.json",
	Usage: "Path to the administrator set, as read by engined",
}
var flagShares = &cli.StringFlag{
	Name:  "shares-file",
	Value: "shares.json",
	Usage: "Path to the encrypted shares",
}
var flagSeedHex = &cli.StringFlag{
	Name:    "seed-hex",
	Usage:   "hex-encoded 32-byte seed, generated when empty",
	EnvVars: []string{"ENGINE_SEED_HEX"},
}
var flagCurrentSeedHex = &cli.StringFlag{
	Name:    "current-seed-hex",
	Usage:   "hex-encoded 32-byte current seed, defaults to the seed",
	EnvVars: []string{"ENGINE_CURRENT_SEED_HEX"},
}
var flagCode = &cli.StringFlag{
	Name:  "code-file",
	Usage: "Path to the contract wasm",
}
var flagCodeID = &cli.StringFlag{
	Name:  "code-id",
	Usage: "Hex code hash of the contract, instead of --code-file",
}

func main() {
	app := &cli.App{
		Name:  "enginectl",
		Usage: "Client and operator tooling for the confidential contract engine",
		Flags: append([]cli.Flag{flags.EngineURLFlag}, flags.LogFlags("enginectl")...),
		Commands: []*cli.Command{
			keygenCommand,
			encryptCommand,
			decryptCommand,
			callCommand,
			seedCommand,
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(cCtx *cli.Context) error {
					fmt.Println(common.Version)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("enginectl failed", "err", err)
		os.Exit(1)
	}
}

func engineClient(cCtx *cli.Context) *clients.EngineClient {
	return clients.NewEngineClient(cCtx.String(flags.EngineURLFlag.Name))
}

func ioPubkey(cCtx *cli.Context) (cryptoutils.X25519PublicKey, error) {
	if s := cCtx.String(flagIOPubkey.Name); s != "" {
		return parsePubkeyHex(s)
	}
	return engineClient(cCtx).IOPublicKey(cCtx.Context)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func writeJSONFile(path string, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// codeHash resolves the contract a message is addressed to.
func codeHash(cCtx *cli.Context) (interfaces.CodeHash, []byte, error) {
	if path := cCtx.String(flagCode.Name); path != "" {
		code, err := os.ReadFile(path)
		if err != nil {
			return interfaces.CodeHash{}, nil, err
		}
		return interfaces.ComputeID(code), code, nil
	}
	if id := cCtx.String(flagCodeID.Name); id != "" {
		hash, err := interfaces.NewContentIDFromHex(id)
		return hash, nil, err
	}
	return interfaces.CodeHash{}, nil, errors.New("either --code-file or --code-id is required")
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "Generate caller and administrator keys",
	Subcommands: []*cli.Command{
		{
			Name:  "client",
			Usage: "Generate the X25519 key a caller encrypts its messages with",
			Flags: []cli.Flag{flagClientKey},
			Action: func(cCtx *cli.Context) error {
				key, err := newClientKey()
				if err != nil {
					return err
				}
				if err := writeJSONFile(cCtx.String(flagClientKey.Name), key); err != nil {
					return err
				}
				fmt.Println(key.Public)
				return nil
			},
		},
		{
			Name:  "admin",
			Usage: "Generate a P-256 administrator keypair for seed recovery",
			Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
			Action: func(cCtx *cli.Context) error {
				pub, priv, err := cryptoutils.RandomP256Keypair()
				if err != nil {
					return err
				}
				if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), priv, 0o600); err != nil {
					return err
				}
				if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), pub, 0o600); err != nil {
					return err
				}
				fmt.Println(pub.Fingerprint())
				return nil
			},
		},
	},
}

var encryptCommand = &cli.Command{
	Name:      "encrypt",
	Usage:     "Encrypt a message for a contract",
	ArgsUsage: "<message>",
	Flags:     []cli.Flag{flagClientKey, flagIOPubkey, flagCode, flagCodeID},
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() != 1 {
			return errors.New("expected exactly one message argument")
		}
		client, err := loadClientKey(cCtx.String(flagClientKey.Name))
		if err != nil {
			return err
		}
		pub, err := ioPubkey(cCtx)
		if err != nil {
			return err
		}
		hash, _, err := codeHash(cCtx)
		if err != nil {
			return err
		}

		sealed, _, err := encryptMsg(client, pub, hash, []byte(cCtx.Args().First()))
		if err != nil {
			return err
		}
		return printJSON(sealed)
	},
}

var decryptCommand = &cli.Command{
	Name:      "decrypt",
	Usage:     "Decrypt a call output",
	ArgsUsage: "<output json>",
	Flags: []cli.Flag{
		flagClientKey,
		flagIOPubkey,
		&cli.StringFlag{Name: "nonce", Required: true, Usage: "hex nonce printed by encrypt"},
	},
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() != 1 {
			return errors.New("expected exactly one output argument")
		}
		client, err := loadClientKey(cCtx.String(flagClientKey.Name))
		if err != nil {
			return err
		}
		pub, err := ioPubkey(cCtx)
		if err != nil {
			return err
		}
		nonce, err := parseNonceHex(cCtx.String("nonce"))
		if err != nil {
			return err
		}

		plaintext, err := decryptOutput(client, pub, nonce, []byte(cCtx.Args().First()))
		if err != nil {
			return err
		}
		fmt.Println(string(plaintext))
		return nil
	},
}

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "Encrypt a message, send it to the engine and decrypt the result",
	ArgsUsage: "init|handle|query <message>",
	Flags: []cli.Flag{
		flagClientKey,
		flagCode,
		flagCodeID,
		&cli.StringFlag{Name: "env-file", Required: true, Usage: "Path to the JSON call environment"},
		&cli.Uint64Flag{Name: "gas-limit", Value: 10_000_000, Usage: "Gas limit of the call"},
	},
	Action: func(cCtx *cli.Context) error {
		if cCtx.NArg() != 2 {
			return errors.New("expected an operation and a message")
		}
		engine := engineClient(cCtx)
		ctx := cCtx.Context

		var call func(*api.CallRequest) (*api.CallResponse, error)
		switch cCtx.Args().Get(0) {
		case "init":
			call = func(r *api.CallRequest) (*api.CallResponse, error) { return engine.Init(ctx, r) }
		case "handle":
			call = func(r *api.CallRequest) (*api.CallResponse, error) { return engine.Handle(ctx, r) }
		case "query":
			call = func(r *api.CallRequest) (*api.CallResponse, error) { return engine.Query(ctx, r) }
		default:
			return fmt.Errorf("unknown operation %q", cCtx.Args().Get(0))
		}

		client, err := loadClientKey(cCtx.String(flagClientKey.Name))
		if err != nil {
			return err
		}
		pub, err := engine.IOPublicKey(ctx)
		if err != nil {
			return err
		}
		hash, code, err := codeHash(cCtx)
		if err != nil {
			return err
		}
		env, err := os.ReadFile(cCtx.String("env-file"))
		if err != nil {
			return err
		}

		sealed, nonce, err := encryptMsg(client, pub, hash, []byte(cCtx.Args().Get(1)))
		if err != nil {
			return err
		}
		req := &api.CallRequest{
			Code:     code,
			Env:      env,
			Msg:      sealed.Envelope,
			GasLimit: cCtx.Uint64("gas-limit"),
		}
		if code == nil {
			req.CodeID = hash.String()
		}

		log := flags.SetupLogger(cCtx)
		log.Debug("Calling contract", "op", cCtx.Args().Get(0), "code_id", hash.String(), "uploading_code", code != nil, "gas_limit", req.GasLimit)
		res, err := call(req)
		if err != nil {
			return err
		}
		log.Debug("Contract call completed", "gas_used", res.GasUsed)
		plaintext, err := decryptOutput(client, pub, nonce, res.Output)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"gas_used":     res.GasUsed,
			"contract_key": res.ContractKey,
			"result":       string(plaintext),
		})
	},
}

var seedCommand = &cli.Command{
	Name:  "seed",
	Usage: "Operate on the consensus seed",
	Subcommands: []*cli.Command{
		{
			Name:  "split",
			Usage: "Split a seed into shares encrypted to each administrator",
			Flags: []cli.Flag{
				flagSeedHex,
				flagAdminKeys,
				flagShares,
				&cli.IntFlag{Name: "threshold", Value: 2, Usage: "Shares needed to recover the seed"},
			},
			Action: func(cCtx *cli.Context) error {
				seed, err := seedOrRandom(cCtx.String(flagSeedHex.Name))
				if err != nil {
					return err
				}
				defer clear(seed[:])

				admins, err := loadAdminKeys(cCtx.String(flagAdminKeys.Name))
				if err != nil {
					return err
				}
				shares, err := keychain.SplitSeed(seed, keychain.ShamirConfig{
					Threshold:    cCtx.Int("threshold"),
					AdminPubKeys: admins,
				})
				if err != nil {
					return err
				}
				return writeJSONFile(cCtx.String(flagShares.Name), shares)
			},
		},
		{
			Name:  "seal",
			Usage: "Seal a keychain for the sealed seed source of engined",
			Flags: []cli.Flag{
				flagSeedHex,
				flagCurrentSeedHex,
				&cli.StringFlag{Name: "sealed-uri", Required: true, Usage: "Storage URI to store the sealed keychain in"},
				&cli.StringFlag{Name: "seal-passphrase", Required: true, EnvVars: []string{"ENGINE_SEAL_PASSPHRASE"}},
				&cli.StringFlag{Name: "seal-salt", Value: common.PackageName},
			},
			Action: func(cCtx *cli.Context) error {
				id, err := sealSeed(cCtx.Context, sealRequest{
					genesisHex: cCtx.String(flagSeedHex.Name),
					currentHex: cCtx.String(flagCurrentSeedHex.Name),
					uri:        cCtx.String("sealed-uri"),
					passphrase: cCtx.String("seal-passphrase"),
					salt:       cCtx.String("seal-salt"),
				})
				if err != nil {
					return err
				}
				fmt.Println(id.String())
				return nil
			},
		},
		{
			Name:  "submit-share",
			Usage: "Decrypt this administrator's share and submit it to a recovering engine",
			Flags: []cli.Flag{flagShares, flagAdminPrivkey},
			Action: func(cCtx *cli.Context) error {
				submission, err := shareSubmission(cCtx.String(flagShares.Name), cCtx.String(flagAdminPrivkey.Name))
				if err != nil {
					return err
				}
				status, err := engineClient(cCtx).SubmitShare(cCtx.Context, submission)
				if err != nil {
					return err
				}
				return printJSON(status)
			},
		},
		{
			Name:  "status",
			Usage: "Show the seed recovery status of an engine",
			Action: func(cCtx *cli.Context) error {
				status, err := engineClient(cCtx).BootstrapStatus(cCtx.Context)
				if err != nil {
					return err
				}
				return printJSON(status)
			},
		},
	},
}

func seedOrRandom(seedHex string) (interfaces.Seed, error) {
	if seedHex != "" {
		return interfaces.NewSeedFromHex(seedHex)
	}
	var seed interfaces.Seed
	_, err := rand.Read(seed[:])
	return seed, err
}
