package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coordination-core/internal/config"
	"coordination-core/internal/logging"
	"coordination-core/internal/models"
	"coordination-core/internal/secrets"
	"coordination-core/internal/store"
)

const usage = `usage: secretctl <command> [flags]

commands:
  migrate                          create all tables
  store    -key K -type T [-ttl D] [-value V | stdin]
  get      -key K
  rotate   -key K [-grace D] [-value V | -generate N | stdin]
  revoke   -key K
  versions -key K
  history  -key K [-limit N]
  list     [-type T]
  due      [-age D]
  import-env
  generate [-bytes N]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg).With().Str("service", "secretctl").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, os.Args[1], os.Args[2:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		logger.Fatal().Err(err).Str("command", os.Args[1]).Msg("secretctl failed")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, cmd string, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	key := fs.String("key", "", "secret key name")
	typ := fs.String("type", "", "secret type: jwt, encryption, api_key, webhook")
	value := fs.String("value", "", "secret value (read from stdin when empty)")
	ttl := fs.Duration("ttl", 0, "expire the stored version after this long")
	grace := fs.Duration("grace", cfg.SecretGracePeriod, "grace period for the previous version")
	gen := fs.Int("generate", 0, "rotate to N random bytes instead of a supplied value")
	nbytes := fs.Int("bytes", 32, "random key length in bytes")
	age := fs.Duration("age", cfg.SecretRotationAge, "rotation age threshold")
	limit := fs.Int("limit", 50, "maximum entries")
	actor := fs.String("actor", os.Getenv("USER"), "identity recorded in the audit log")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if cmd == "generate" {
		k, err := secrets.GenerateKey(*nbytes)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, k)
		return err
	}

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if cmd == "migrate" {
		if err := store.EnsureAll(ctx, st.DB()); err != nil {
			return err
		}
		logger.Info().Strs("tables", store.Tables).Msg("schema ready")
		return nil
	}

	c, err := secrets.NewCipher(cfg.MasterKey, cfg.SecretKDFSalt)
	if err != nil {
		return err
	}
	mgr := secrets.New(st.DB(), c, secrets.WithLogger(logger))
	if *actor != "" {
		ctx = secrets.WithActor(ctx, "cli:"+*actor)
	}

	needKey := func() error {
		if *key == "" {
			return fmt.Errorf("%s: -key is required", cmd)
		}
		return nil
	}

	switch cmd {
	case "store":
		if err := needKey(); err != nil {
			return err
		}
		v, err := valueOrStdin(*value, stdin)
		if err != nil {
			return err
		}
		sec, err := mgr.Store(ctx, secrets.StoreParams{KeyName: *key, Value: v, Type: models.SecretType(*typ), TTL: *ttl})
		if err != nil {
			return err
		}
		return printJSON(stdout, sec)
	case "get":
		if err := needKey(); err != nil {
			return err
		}
		v, found, err := mgr.Get(ctx, *key, false)
		if err != nil {
			return err
		}
		if !found {
			return secrets.ErrSecretNotFound
		}
		_, err = fmt.Fprintln(stdout, v)
		return err
	case "rotate":
		if err := needKey(); err != nil {
			return err
		}
		var v string
		if *gen > 0 {
			v, err = secrets.GenerateKey(*gen)
		} else {
			v, err = valueOrStdin(*value, stdin)
		}
		if err != nil {
			return err
		}
		sec, err := mgr.Rotate(ctx, *key, v, *grace)
		if err != nil {
			return err
		}
		return printJSON(stdout, sec)
	case "revoke":
		if err := needKey(); err != nil {
			return err
		}
		return mgr.Revoke(ctx, *key)
	case "versions":
		if err := needKey(); err != nil {
			return err
		}
		versions, err := mgr.ListVersions(ctx, *key)
		if err != nil {
			return err
		}
		return printJSON(stdout, versions)
	case "history":
		if err := needKey(); err != nil {
			return err
		}
		entries, err := mgr.History(ctx, *key, *limit)
		if err != nil {
			return err
		}
		return printJSON(stdout, entries)
	case "list":
		list, err := mgr.List(ctx, models.SecretType(*typ))
		if err != nil {
			return err
		}
		return printJSON(stdout, list)
	case "due":
		due, err := mgr.NeedingRotation(ctx, *age)
		if err != nil {
			return err
		}
		return printJSON(stdout, due)
	case "import-env":
		res, err := mgr.ImportFromEnv(ctx, secrets.DefaultEnvSecrets, os.LookupEnv)
		logger.Info().Strs("imported", res.Imported).Strs("skipped", res.Skipped).Msg("env import finished")
		return err
	}
	return fmt.Errorf("unknown command %q\n%s", cmd, usage)
}

func valueOrStdin(v string, stdin io.Reader) (string, error) {
	if v != "" {
		return v, nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read value from stdin: %w", err)
	}
	v = strings.TrimRight(string(b), "\r\n")
	if v == "" {
		return "", errors.New("empty secret value")
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
