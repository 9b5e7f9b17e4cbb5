package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	nest "github.com/zailic/nest"
	"github.com/zailic/nest/contracts"
	amqptransport "github.com/zailic/nest/transports/amqp"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "nestcall",
		Short:   "Send requests and events to a pub/sub microservice broker",
		Long:    `nestcall performs one-shot request/response calls and fire-and-forget events against a broker speaking the pattern_ack/pattern_res channel convention.`,
		Version: version,
	}

	var (
		url      string
		attempts int
		delay    time.Duration
		timeout  time.Duration
		useAMQP  bool
	)

	rootCmd.PersistentFlags().StringVarP(&url, "url", "u", nest.DefaultURL, "broker connection URL")
	rootCmd.PersistentFlags().IntVar(&attempts, "retry-attempts", 0, "reconnect attempts after a failed dial")
	rootCmd.PersistentFlags().DurationVar(&delay, "retry-delay", 0, "delay between reconnect attempts")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "overall deadline for the call")
	rootCmd.PersistentFlags().BoolVar(&useAMQP, "amqp", false, "treat the URL as an AMQP broker instead of Redis")

	newClient := func() (*nest.Client, error) {
		opts := []nest.ClientOption{
			nest.WithURL(url),
			nest.WithRetryAttempts(attempts),
			nest.WithRetryDelay(delay),
		}
		if useAMQP {
			opts = append(opts, nest.WithTransportFactory(amqptransport.NewFactory(url)))
		}
		return nest.NewClient(opts...)
	}

	requestCmd := &cobra.Command{
		Use:   "request <pattern> <json-data>",
		Short: "Send a request and print the response",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data interface{}
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("data is not valid JSON: %w", err)
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := client.Request(ctx, contracts.ReadPacket{Pattern: args[0], Data: data})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp.Response, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	emitCmd := &cobra.Command{
		Use:   "emit <pattern> <json-data>",
		Short: "Publish a fire-and-forget event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data interface{}
			if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
				return fmt.Errorf("data is not valid JSON: %w", err)
			}

			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := client.Emit(ctx, contracts.ReadPacket{Pattern: args[0], Data: data}); err != nil {
				return err
			}
			fmt.Println("event published")
			return nil
		},
	}

	rootCmd.AddCommand(requestCmd, emitCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
