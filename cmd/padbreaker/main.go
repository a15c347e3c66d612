package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	padbreaker "github.com/Twisside/PAD-breaker"
	"github.com/Twisside/PAD-breaker/internal/runtime/logging"
)

const iniFilename = "padbreaker.ini"

// Options is the top-level configuration of a broker process.
var Options = new(struct {
	Broker struct {
		Addr string `long:"addr" env:"ADDR" default:":8380" description:"Address the HTTP adapter listens on"`
	} `group:"Broker" namespace:"broker" env-namespace:"BROKER"`

	Store struct {
		Backend  string `long:"backend" env:"BACKEND" default:"file" choice:"memory" choice:"file" choice:"sqlite" choice:"postgres" description:"Durable log backend"`
		File     string `long:"file" env:"FILE" default:"data/storage.jsonl" description:"JSON Lines file of the file backend"`
		SQLite   string `long:"sqlite" env:"SQLITE" default:"data/padbreaker.db" description:"Database file of the sqlite backend"`
		Postgres string `long:"postgres" env:"POSTGRES" description:"Connection URL of the postgres backend"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Stream struct {
		Transport     string   `long:"transport" env:"TRANSPORT" default:"channel" choice:"channel" choice:"nats" choice:"kafka" choice:"rabbitmq" choice:"http" description:"Live stream transport"`
		NATS          string   `long:"nats" env:"NATS" description:"NATS server URL"`
		KafkaBrokers  []string `long:"kafka-broker" env:"KAFKA_BROKERS" env-delim:"," description:"Kafka bootstrap broker (repeatable)"`
		KafkaGroup    string   `long:"kafka-group" env:"KAFKA_GROUP" description:"Kafka consumer group; empty streams every message to every replica"`
		RabbitMQ      string   `long:"rabbitmq" env:"RABBITMQ" description:"AMQP URL"`
		HTTPListen    string   `long:"http-listen" env:"HTTP_LISTEN" description:"Listen address of the http stream transport"`
		HTTPPublishTo string   `long:"http-publish-to" env:"HTTP_PUBLISH_TO" description:"Base URL the http stream transport publishes to"`
	} `group:"Stream" namespace:"stream" env-namespace:"STREAM"`

	Dispatch struct {
		MaxAttempts       int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"3" description:"Attempts per delivery, first try included"`
		RequestTimeout    time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"5s" description:"Timeout of every outbound call"`
		RetryInterval     time.Duration `long:"retry-interval" env:"RETRY_INTERVAL" default:"0s" description:"Pause between attempts"`
		FanoutConcurrency int           `long:"fanout-concurrency" env:"FANOUT_CONCURRENCY" default:"0" description:"Concurrent subscriber deliveries per publish; 0 is unlimited"`
	} `group:"Dispatch" namespace:"dispatch" env-namespace:"DISPATCH"`

	Health struct {
		FailureThreshold int           `long:"failure-threshold" env:"FAILURE_THRESHOLD" default:"3" description:"Consecutive failures that trip an instance"`
		Cooldown         time.Duration `long:"cooldown" env:"COOLDOWN" default:"10s" description:"Time a tripped instance stays out of rotation"`
		ProbeInterval    time.Duration `long:"probe-interval" env:"PROBE_INTERVAL" default:"0s" description:"Active health probe interval; 0 disables probing"`
		ProbeTimeout     time.Duration `long:"probe-timeout" env:"PROBE_TIMEOUT" default:"2s" description:"Timeout of one health probe"`
	} `group:"Health" namespace:"health" env-namespace:"HEALTH"`

	Metrics struct {
		Enabled bool `long:"enabled" env:"ENABLED" description:"Serve Prometheus metrics on /metrics"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" choice:"logrus" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func brokerConfig() *padbreaker.Config {
	return &padbreaker.Config{
		HTTPAddress:             Options.Broker.Addr,
		StoreBackend:            Options.Store.Backend,
		StoreFile:               Options.Store.File,
		SQLiteFile:              Options.Store.SQLite,
		PostgresURL:             Options.Store.Postgres,
		StreamTransport:         Options.Stream.Transport,
		NATSURL:                 Options.Stream.NATS,
		KafkaBrokers:            Options.Stream.KafkaBrokers,
		KafkaConsumerGroup:      Options.Stream.KafkaGroup,
		RabbitMQURL:             Options.Stream.RabbitMQ,
		HTTPStreamServerAddress: Options.Stream.HTTPListen,
		HTTPStreamPublisherURL:  Options.Stream.HTTPPublishTo,
		MaxAttempts:             Options.Dispatch.MaxAttempts,
		RequestTimeout:          Options.Dispatch.RequestTimeout,
		RetryInterval:           Options.Dispatch.RetryInterval,
		FanoutConcurrency:       Options.Dispatch.FanoutConcurrency,
		FailureThreshold:        Options.Health.FailureThreshold,
		Cooldown:                Options.Health.Cooldown,
		HealthCheckInterval:     Options.Health.ProbeInterval,
		HealthCheckTimeout:      Options.Health.ProbeTimeout,
		MetricsEnabled:          Options.Metrics.Enabled,
	}
}

func newLogger() (padbreaker.ServiceLogger, error) {
	if Options.Log.Format == "logrus" {
		lvl, err := logrus.ParseLevel(Options.Log.Level)
		if err != nil {
			return nil, err
		}
		l := logrus.New()
		l.SetLevel(lvl)
		l.SetFormatter(&logrus.JSONFormatter{})
		return padbreaker.NewEntryServiceLogger(logrus.NewEntry(l)), nil
	}

	lvl, err := logging.ParseLevel(Options.Log.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if Options.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	return padbreaker.NewSlogServiceLogger(slog.New(handler)), nil
}

type cmdServe struct{}

func (cmdServe) Execute([]string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	svc, err := padbreaker.NewService(ctx, brokerConfig(), log, padbreaker.ServiceDependencies{})
	if err != nil {
		return err
	}
	log.Info("Broker listening", padbreaker.LogFields{"addr": svc.Conf.HTTPAddress})

	if err := svc.Start(ctx); err != nil {
		return err
	}
	log.Info("goodbye", nil)
	return nil
}

type cmdPrintConfig struct{}

func (cmdPrintConfig) Execute([]string) error {
	conf := brokerConfig().WithDefaults()
	if err := padbreaker.ValidateConfig(&conf); err != nil {
		return err
	}
	fmt.Println(conf.String())
	return nil
}

// parseIni applies padbreaker.ini from the working directory when present.
// Command-line flags and environment variables still take precedence.
func parseIni(parser *flags.Parser) error {
	orig := parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = orig }()

	err := flags.NewIniParser(parser).ParseFile(iniFilename)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func main() {
	parser := flags.NewParser(Options, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the PAD-breaker broker", `
Serve the broker HTTP adapter with the provided configuration until signaled
to exit (via SIGTERM or SIGINT). In-flight requests get a grace period before
the durable log and stream transport are closed.
`, &cmdServe{})
	_, _ = parser.AddCommand("print-config", "Print the effective configuration", `
Print the configuration after defaults are applied, with credentials redacted,
and exit non-zero if it is invalid.
`, &cmdPrintConfig{})

	if err := parseIni(parser); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
