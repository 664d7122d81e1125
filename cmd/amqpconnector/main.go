// Command amqpconnector is a small end-to-end harness for exercising a
// Connector against a real broker, in the spirit of the original project's
// test() driver: it runs one role, puts and gets plain byte payloads, and
// prints the responses a master receives.
package main

import (
	"fmt"
	"os"

	"github.com/fake-name/amqpconnector/pkg/amqpconnector"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "amqpconnector",
		Short: "Exercise an AMQP connector session as a master or worker",
	}

	root.PersistentFlags().String("config", "", "path to a settings.json file (RABBIT_SRVER/RABBIT_LOGIN/RABBIT_PASWD/RABBIT_VHOST)")
	root.PersistentFlags().String("host", "", "broker host, overrides --config")
	root.PersistentFlags().Bool("durable", false, "declare durable queues/exchanges and persistent messages")
	root.PersistentFlags().Bool("flush", false, "purge queues on connect")
	root.PersistentFlags().Int("fetch-limit", 0, "stop after fetching this many messages (0 = unbounded)")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	_ = v.BindPFlags(root.PersistentFlags())
	v.SetEnvPrefix("AMQPCONNECTOR")
	v.AutomaticEnv()

	root.AddCommand(newMasterCmd(v), newWorkerCmd(v))
	return root
}

func newMasterCmd(v *viper.Viper) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Dispatch a batch of tasks and print every response",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, true)
			if err != nil {
				return err
			}
			return runDemo(cfg, count)
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of demo tasks to dispatch")
	return cmd
}

func newWorkerCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume tasks and echo a response for each",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, false)
			if err != nil {
				return err
			}
			return runDemo(cfg, 0)
		},
	}
	return cmd
}

func loadConfig(v *viper.Viper, master bool) (amqpconnector.Config, error) {
	cfg := amqpconnector.DefaultConfig()

	if path := v.GetString("config"); path != "" {
		fileCfg, err := amqpconnector.LoadConfigFile(path)
		if err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
		cfg = fileCfg
	}

	if host := v.GetString("host"); host != "" {
		cfg.Host = host
	}
	cfg.Master = master
	cfg.Durable = v.GetBool("durable") || cfg.Durable
	cfg.FlushQueues = v.GetBool("flush") || cfg.FlushQueues
	cfg.SessionFetchLimit = v.GetInt("fetch-limit")

	level := amqpconnector.LogLevelInfo
	if v.GetBool("verbose") {
		level = amqpconnector.LogLevelDebug
	}
	zl, err := zap.NewProduction()
	if err != nil {
		return cfg, err
	}
	cfg.Logger = amqpconnector.NewZapLogger(zl.Sugar(), level)

	return cfg, nil
}

// runDemo drives a short master/worker round trip: a master publishes
// `count` numbered payloads then reads back responses until `count` have
// arrived; a worker (count == 0) loops echoing every task it fetches with an
// "ack-" prefix. Either role returns once Get reports ErrFetchLimitExceeded.
func runDemo(cfg amqpconnector.Config, count int) error {
	conn, err := amqpconnector.New(cfg)
	if err != nil {
		return fmt.Errorf("construct connector: %w", err)
	}
	defer conn.Stop()

	if cfg.Master {
		for i := 0; i < count; i++ {
			payload := []byte(fmt.Sprintf("task-%d", i))
			if err := conn.Put(payload, cfg.LocalQueueCapacity); err != nil {
				return fmt.Errorf("put task %d: %w", i, err)
			}
		}

		received := 0
		for received < count {
			body, ok, err := conn.Get()
			if err == amqpconnector.ErrFetchLimitExceeded {
				break
			}
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			fmt.Printf("response: %s\n", body)
			received++
		}
		return nil
	}

	for {
		body, ok, err := conn.Get()
		if err == amqpconnector.ErrFetchLimitExceeded {
			return nil
		}
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := conn.Put(append([]byte("ack-"), body...), cfg.LocalQueueCapacity); err != nil {
			return err
		}
	}
}
