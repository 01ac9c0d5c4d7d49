// Command irisd bootstraps a single iris container: binds its transport
// socket, wires the configured registry/event backends, installs the
// built-in ping service, and serves until an interrupt signal arrives.
// Grounded on cmd/cmd/root.go + cmd/cmd/serve.go's cobra/viper wiring
// and graceful-shutdown-on-signal idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	ps "github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/oakmesh/iris/admin"
	"github.com/oakmesh/iris/config"
	"github.com/oakmesh/iris/container"
	"github.com/oakmesh/iris/events"
	"github.com/oakmesh/iris/registry"
	"github.com/oakmesh/iris/storage"
	"github.com/oakmesh/iris/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "irisd",
	Short: "irisd runs a single iris service container",
	RunE:  serve,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.irisd.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	logger := logrus.StandardLogger()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reg, err := buildRegistry(ctx, cfg.Registry, cfg.Coordinator)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	sys, err := buildEvents(ctx, cfg.Events)
	if err != nil {
		return fmt.Errorf("build events: %w", err)
	}

	sock := transport.NewZMQSocket(ctx)

	opts := []container.Option{
		container.WithLogger(logger),
		container.WithEvents(sys),
	}
	if cfg.Port != 0 {
		opts = append(opts, container.WithPort(cfg.Port))
	}
	if cfg.Stats.Backend == "cassandra" {
		sink, err := storage.NewCassandraStatsSink(storage.CassandraConfig{
			Hosts:    cfg.Stats.Cassandra.Hosts,
			Keyspace: cfg.Stats.Cassandra.Keyspace,
			Table:    cfg.Stats.Cassandra.Table,
		})
		if err != nil {
			return fmt.Errorf("build stats sink: %w", err)
		}
		opts = append(opts, container.WithStatsSink(sink))
	}

	c, err := container.New(ctx, cfg.IP, sock, reg, opts...)
	if err != nil {
		return fmt.Errorf("new container: %w", err)
	}

	if err := c.Start(ctx, true); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	logger.WithField("endpoint", c.Endpoint()).Info("irisd started")

	adminSrv := admin.New(c)
	adminCtx, cancelAdmin := context.WithCancel(ctx)
	go func() {
		if err := adminSrv.Serve(adminCtx, ":8090"); err != nil {
			logger.WithError(err).Warn("admin server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	logger.Info("shutting down")
	cancelAdmin()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Stop(stopCtx)
}

func buildRegistry(ctx context.Context, cfg config.RegistryConfig, coord config.CoordinatorConfig) (registry.Registry, error) {
	switch cfg.Backend {
	case "k8s":
		return registry.NewK8sRegistry(cfg.Namespace, cfg.InCluster)
	case "etcd", "":
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   coord.Endpoints,
			DialTimeout: coord.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		return registry.NewEtcdRegistry(cli, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
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
