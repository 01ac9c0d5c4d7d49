// Command iris-emit publishes a single event to the configured event
// system and exits — a CLI smoke-test tool, grounded on
// original_source/lymph/cli/emit.py's EmitCommand almost directly:
// decode a body, enter a trace context (optionally pinned via
// --trace-id), and emit.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	ps "github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oakmesh/iris/config"
	"github.com/oakmesh/iris/events"
	"github.com/oakmesh/iris/trace"
)

var (
	cfgFile string
	traceID string
)

var rootCmd = &cobra.Command{
	Use:   "iris-emit <event-type> [<body-json>]",
	Short: "emit publishes a single event to the configured event system",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runEmit,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.irisd.yaml)")
	rootCmd.Flags().StringVar(&traceID, "trace-id", "", "use the given trace id instead of generating one")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runEmit(cmd *cobra.Command, args []string) error {
	eventType := args[0]
	body := map[string]interface{}{}
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &body); err != nil {
			return fmt.Errorf("decode body: %w", err)
		}
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	sys, err := buildEvents(ctx, cfg.Events)
	if err != nil {
		return fmt.Errorf("build events: %w", err)
	}
	if err := sys.OnStart(ctx); err != nil {
		return fmt.Errorf("start events: %w", err)
	}
	defer sys.OnStop(ctx)

	ctx, done := trace.Enter(ctx, traceID)
	defer done()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}

	if err := sys.Emit(ctx, events.Event{
		Type:      eventType,
		Source:    "iris-emit/" + uuid.NewString(),
		Payload:   payload,
		Timestamp: time.Now(),
	}); err != nil {
		return fmt.Errorf("emit: %w", err)
	}

	fmt.Printf("emitted %s trace_id=%s\n", eventType, trace.ID(ctx))
	return nil
}

func buildEvents(ctx context.Context, cfg config.EventsConfig) (events.System, error) {
	switch cfg.Backend {
	case "inproc", "":
		return events.NewInProc(), nil
	case "kafka":
		return events.NewKafka(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}), nil
	case "sqs":
		return events.NewSQS(events.SQSConfig{
			Region:   cfg.SQS.Region,
			QueueURL: cfg.SQS.QueueURL,
		})
	case "pubsub":
		return events.NewPubSub(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, cfg.PubSub.SubscriptionName)
	case "redis":
		pool := &ps.Pool{
			Dial: func() (ps.Conn, error) { return ps.Dial("tcp", cfg.Redis.Address) },
		}
		return events.NewRedis(pool, cfg.Redis.Channel), nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}
