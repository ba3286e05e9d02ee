//
// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package main is a command line tool running statements against Cloud Spanner
// through a retrying session and transaction manager.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/jessevdk/go-flags"
	"github.com/samber/lo"

	"github.com/apstndb/spanner-txmgr/enums"
	"github.com/apstndb/spanner-txmgr/internal/backend"
	"github.com/apstndb/spanner-txmgr/internal/backend/memory"
	"github.com/apstndb/spanner-txmgr/internal/ddl"
	"github.com/apstndb/spanner-txmgr/internal/retry"
	"github.com/apstndb/spanner-txmgr/internal/session"
	"github.com/apstndb/spanner-txmgr/internal/txn"
)

type globalOptions struct {
	Spanner spannerOptions `group:"spanner"`
}

// We can't use `default` because config files and flags are processed by different parsers.
type spannerOptions struct {
	ProjectId                 string                `long:"project" short:"p" env:"SPANNER_PROJECT_ID" description:"(required) GCP Project ID."`
	InstanceId                string                `long:"instance" short:"i" env:"SPANNER_INSTANCE_ID" description:"(required) Cloud Spanner Instance ID"`
	DatabaseId                string                `long:"database" short:"d" env:"SPANNER_DATABASE_ID" description:"(required) Cloud Spanner Database ID."`
	Execute                   string                `long:"execute" short:"e" description:"Execute SQL statements and quit."`
	File                      string                `long:"file" short:"f" description:"Execute SQL statements from file and quit. - reads stdin."`
	Format                    enums.OutputFormat    `long:"format" description:"Output format (TABLE|JSON|YAML|CSV)"`
	Mode                      enums.TransactionMode `long:"mode" description:"Transaction mode of DML statements (READ_WRITE|BUFFERED_MUTATIONS|READ_ONLY|PARTITIONED_DML|FALLBACK_TO_PDML)"`
	Verbose                   bool                  `long:"verbose" short:"v" description:"Display verbose output."`
	Credential                string                `long:"credential" description:"Use the specific credential file"`
	EnableADCPlus             bool                  `long:"enable-adc-plus" description:"Enable ADC+ (impersonation and credential file support)"`
	ImpersonateServiceAccount string                `long:"impersonate-service-account" description:"Impersonate the service account, requires --enable-adc-plus"`
	Priority                  string                `long:"priority" description:"Set default request priority (HIGH|MEDIUM|LOW)"`
	Role                      string                `long:"role" description:"Use the specific database role"`
	SessionLabels             map[string]string     `long:"session-label" key-value-delimiter:"=" description:"Attach labels to created sessions e.g. --session-label=app=batch"`
	TransactionTag            string                `long:"transaction-tag" description:"Tag read-write transactions"`
	Endpoint                  string                `long:"endpoint" description:"Set the Spanner API endpoint (host:port)"`
	Insecure                  bool                  `long:"insecure" description:"Skip TLS verification and permit plaintext gRPC."`
	EmbeddedEmulator          bool                  `long:"embedded-emulator" description:"Use embedded Cloud Spanner Emulator. --project, --instance, --database, --endpoint, --insecure will be automatically configured."`
	EmulatorImage             string                `long:"emulator-image" description:"container image for --embedded-emulator"`
	InMemory                  bool                  `long:"in-memory" description:"Use an in-process fake database instead of Cloud Spanner."`
	Strong                    bool                  `long:"strong" description:"Perform strong queries."`
	ReadTimestamp             string                `long:"read-timestamp" description:"Perform queries at the given timestamp."`
	Staleness                 time.Duration         `long:"staleness" description:"Perform queries with the given exact staleness e.g. 10s."`
	RetryDeadline             time.Duration         `long:"retry-deadline" description:"Give up retrying aborted transactions after this duration (default: 120s)"`
	MinSessions               int                   `long:"min-sessions" description:"Number of sessions created at start up"`
	NoDDLRevert               bool                  `long:"no-ddl-revert" description:"Keep the statements of a failed schema change batch applied before the failure"`
	DDLProgress               bool                  `long:"ddl-progress" description:"Show progress bars of schema changes"`
	LogGrpc                   bool                  `long:"log-grpc" description:"Show gRPC logs"`
	Debug                     bool                  `long:"debug" hidden:"true"`
	Help                      bool                  `long:"help" short:"h" hidden:"true"`
}

func addEmulatorImageOption(parser *flags.Parser) {
	parser.Groups()[0].Find("spanner").FindOptionByLongName("emulator-image").DefaultMask = defaultEmulatorImage
}

func main() {
	var gopts globalOptions

	// process config files at first
	configFileParser := flags.NewParser(&gopts, flags.Default)
	addEmulatorImageOption(configFileParser)

	if err := readConfigFile(configFileParser); err != nil {
		exitf("Invalid config file format\n")
	}

	// then, process environment variables and command line options
	// use another parser to process environment variables with higher precedence than configuration files
	flagParser := flags.NewParser(&gopts, flags.PrintErrors|flags.PassDoubleDash)
	addEmulatorImageOption(flagParser)

	parserForHelp := flags.NewParser(&globalOptions{}, flags.Default)
	addEmulatorImageOption(parserForHelp)

	if _, err := flagParser.Parse(); flags.WroteHelp(err) {
		// exit successfully
		return
	} else if err != nil {
		parserForHelp.WriteHelp(os.Stderr)
		exitf("Invalid options\n")
	} else if gopts.Spanner.Help {
		parserForHelp.WriteHelp(os.Stderr)
		return
	}

	opts := gopts.Spanner
	if err := validateOptions(&opts); err != nil {
		exitf("%v\n", err)
	}

	setUpLogger(opts)

	input, err := readInput(opts)
	if err != nil {
		exitf("%v\n", err)
	}
	if strings.TrimSpace(input) == "" {
		exitf("No input: use --execute, --file or stdin\n")
	}

	err = run(context.Background(), opts, input)
	var exitCodeErr *ExitCodeError
	if err != nil && !errors.As(err, &exitCodeErr) {
		printError(os.Stderr, err)
	}
	os.Exit(GetExitCode(err))
}

func validateOptions(opts *spannerOptions) error {
	if opts.EmbeddedEmulator && opts.InMemory {
		return errors.New("invalid parameters: --embedded-emulator and --in-memory are mutually exclusive")
	}

	if !opts.EmbeddedEmulator && !opts.InMemory && (opts.ProjectId == "" || opts.InstanceId == "" || opts.DatabaseId == "") {
		return errors.New("missing parameters: -p, -i, -d are required")
	}

	if opts.Execute != "" && opts.File != "" {
		return errors.New("invalid combination: -e and -f are exclusive")
	}

	bounds := lo.Count([]bool{opts.Strong, opts.ReadTimestamp != "", opts.Staleness != 0}, true)
	if bounds > 1 {
		return errors.New("invalid parameters: --strong, --read-timestamp and --staleness are mutually exclusive")
	}

	if opts.ImpersonateServiceAccount != "" && !opts.EnableADCPlus {
		return errors.New("invalid parameters: --impersonate-service-account requires --enable-adc-plus")
	}

	if opts.Priority != "" {
		if _, err := parsePriority(opts.Priority); err != nil {
			return errors.New("priority must be either HIGH, MEDIUM, or LOW")
		}
	}

	if opts.ReadTimestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, opts.ReadTimestamp); err != nil {
			return fmt.Errorf("error on parsing --read-timestamp=%v, err: %w", opts.ReadTimestamp, err)
		}
	}

	if opts.EmbeddedEmulator {
		opts.ProjectId = emulatorProject
		opts.InstanceId = emulatorInstance
		opts.DatabaseId = emulatorDatabase
		opts.Insecure = true
	}
	if opts.InMemory {
		opts.ProjectId = lo.CoalesceOrEmpty(opts.ProjectId, "in-memory-project")
		opts.InstanceId = lo.CoalesceOrEmpty(opts.InstanceId, "in-memory-instance")
		opts.DatabaseId = lo.CoalesceOrEmpty(opts.DatabaseId, "in-memory-database")
	}

	return nil
}

func setUpLogger(opts spannerOptions) {
	level := slog.LevelWarn
	switch {
	case opts.Debug:
		level = slog.LevelDebug
	case opts.Verbose:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// timestampBound returns the bound of queries, nil for the default strong reads.
func timestampBound(opts spannerOptions) (*txn.TimestampBound, error) {
	switch {
	case opts.Strong:
		return lo.ToPtr(txn.StrongRead()), nil
	case opts.ReadTimestamp != "":
		ts, err := time.Parse(time.RFC3339Nano, opts.ReadTimestamp)
		if err != nil {
			return nil, err
		}
		return lo.ToPtr(txn.ReadTimestamp(ts)), nil
	case opts.Staleness != 0:
		return lo.ToPtr(txn.ExactStaleness(opts.Staleness)), nil
	default:
		return nil, nil
	}
}

func run(ctx context.Context, opts spannerOptions, input string) error {
	var cred []byte
	if opts.Credential != "" {
		var err error
		if cred, err = readCredentialFile(opts.Credential); err != nil {
			return fmt.Errorf("failed to read the credential file: %w", err)
		}
	}

	dialCfg := backend.DialConfig{
		Endpoint:                  opts.Endpoint,
		Insecure:                  opts.Insecure,
		EnableADCPlus:             opts.EnableADCPlus,
		ImpersonateServiceAccount: opts.ImpersonateServiceAccount,
		Credential:                cred,
		LogGrpc:                   opts.LogGrpc,
	}

	if opts.EmbeddedEmulator {
		container, teardown, err := newEmulator(ctx, opts.EmulatorImage)
		if err != nil {
			return fmt.Errorf("failed to start Cloud Spanner Emulator: %w", err)
		}
		defer teardown()

		dialCfg.Endpoint = container.URI()
		dialCfg.WithoutAuthentication = true

		if err := setUpEmptyInstanceAndDatabaseForEmulator(ctx, dialCfg.Endpoint); err != nil {
			return fmt.Errorf("failed to setup instance and database in emulator: %w", err)
		}
	}

	bound, err := timestampBound(opts)
	if err != nil {
		return err
	}

	priority := sppb.RequestOptions_PRIORITY_UNSPECIFIED
	if opts.Priority != "" {
		if priority, err = parsePriority(opts.Priority); err != nil {
			return err
		}
	}

	registry := session.NewRegistry(func(ctx context.Context, key session.Key) (*session.Pool, error) {
		conn, err := openConn(ctx, key, dialCfg, opts)
		if err != nil {
			return nil, err
		}
		pool, err := session.NewPool(ctx, conn, session.PoolConfig{MinOpened: opts.MinSessions})
		if err != nil {
			return nil, errors.Join(err, conn.Close())
		}
		return pool, nil
	})
	defer func() {
		if err := registry.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to close sessions", "err", err)
		}
	}()

	key := session.Key{
		Database: backend.DatabasePath(opts.ProjectId, opts.InstanceId, opts.DatabaseId),
		Endpoint: dialCfg.Endpoint,
		Role:     opts.Role,
	}
	pool, err := registry.Get(ctx, key)
	if err != nil {
		return err
	}

	coordinator := txn.NewCoordinator(pool, txn.Config{
		Retry:    retry.Config{Deadline: opts.RetryDeadline},
		Priority: priority,
	})
	defer coordinator.Close()

	if !coordinator.Ping(ctx) {
		return fmt.Errorf("failed to connect to %v", key)
	}

	gateway := ddl.NewGateway(pool.Conn(), ddl.Config{NoRevert: opts.NoDDLRevert})

	cli := NewCli(coordinator, gateway, os.Stdout, os.Stderr, cliConfig{
		Mode:           opts.Mode,
		Format:         opts.Format,
		TimestampBound: bound,
		TransactionTag: opts.TransactionTag,
		Verbose:        opts.Verbose,
		DDLProgress:    opts.DDLProgress,
	})
	return cli.RunBatch(ctx, input)
}

func openConn(ctx context.Context, key session.Key, dialCfg backend.DialConfig, opts spannerOptions) (*backend.Conn, error) {
	connOpts := []backend.ConnOption{
		backend.WithDatabaseRole(key.Role),
		backend.WithSessionLabels(opts.SessionLabels),
		backend.WithLogger(slog.Default()),
	}

	if opts.InMemory {
		server := memory.New()
		return backend.NewConn(key.Database, server, server, connOpts...), nil
	}

	return backend.Open(ctx, key.Database, dialCfg, connOpts...)
}

func parsePriority(priority string) (sppb.RequestOptions_Priority, error) {
	upper := strings.ToUpper(priority)

	value := upper
	if !strings.HasPrefix(upper, "PRIORITY_") {
		value = "PRIORITY_" + upper
	}

	p, ok := sppb.RequestOptions_Priority_value[value]
	if !ok {
		return sppb.RequestOptions_PRIORITY_UNSPECIFIED, fmt.Errorf("invalid priority: %q", value)
	}
	return sppb.RequestOptions_Priority(p), nil
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format, a...)
	os.Exit(1)
}

const cnfFileName = ".spanner_txmgr.cnf"

func readConfigFile(parser *flags.Parser) error {
	var cnfFiles []string
	if currentUser, err := user.Current(); err == nil {
		cnfFiles = append(cnfFiles, filepath.Join(currentUser.HomeDir, cnfFileName))
	}

	cwd, _ := os.Getwd() // ignore err
	cnfFiles = append(cnfFiles, filepath.Join(cwd, cnfFileName))

	iniParser := flags.NewIniParser(parser)
	for _, cnfFile := range cnfFiles {
		// skip if missing
		if _, err := os.Stat(cnfFile); err != nil {
			continue
		}
		if err := iniParser.ParseFile(cnfFile); err != nil {
			return err
		}
	}

	return nil
}

func readInput(opts spannerOptions) (string, error) {
	switch {
	case opts.Execute != "":
		return opts.Execute, nil
	case opts.File == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read from stdin failed: %w", err)
		}
		return string(b), nil
	case opts.File != "":
		b, err := os.ReadFile(opts.File)
		if err != nil {
			return "", fmt.Errorf("read from file %v failed: %w", opts.File, err)
		}
		return string(b), nil
	default:
		s, err := readStdin()
		if err != nil {
			return "", fmt.Errorf("read from stdin failed: %w", err)
		}
		return s, nil
	}
}

func readCredentialFile(filepath string) ([]byte, error) {
	f, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func readStdin() (string, error) {
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		return "", nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
