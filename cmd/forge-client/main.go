package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/forgerun/forgerun/pkg/client"
	"github.com/forgerun/forgerun/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge-client",
	Short: "forge-client submits jobs to a forge-broker and reports its results",
}

func init() {
	rootCmd.AddCommand(submitCmd, statsCmd)

	submitCmd.Flags().StringP("file", "f", "", "job spec YAML file to submit (required)")
	submitCmd.Flags().String("broker-addr", "127.0.0.1:7420", "address of the broker to submit to")
	submitCmd.Flags().String("layers-dir", "", "directory of content-addressed layer files the broker may ask for")
	submitCmd.Flags().Bool("tls-enabled", false, "dial the broker with a client certificate")
	submitCmd.Flags().String("cert-dir", "", "directory holding this client's certificate and the cluster CA")
	_ = submitCmd.MarkFlagRequired("file")

	statsCmd.Flags().String("broker-addr", "127.0.0.1:7420", "address of the broker to query")
	statsCmd.Flags().Bool("tls-enabled", false, "dial the broker with a client certificate")
	statsCmd.Flags().String("cert-dir", "", "directory holding this client's certificate and the cluster CA")
}

// submitSpec is the YAML document a submit invocation reads: a JobSpec
// plus the clientJobID the caller wants to track it under.
type submitSpec struct {
	ClientJobID types.ClientJobID `yaml:"clientJobID"`
	types.JobSpec `yaml:",inline"`
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "submit a job spec to the broker and wait for its outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		filename, _ := cmd.Flags().GetString("file")
		brokerAddr, _ := cmd.Flags().GetString("broker-addr")
		layersDir, _ := cmd.Flags().GetString("layers-dir")

		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("reading job spec %s: %w", filename, err)
		}
		var spec submitSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return fmt.Errorf("parsing job spec %s: %w", filename, err)
		}

		c, err := dial(cmd, brokerAddr)
		if err != nil {
			return err
		}
		defer c.Close()

		var layers client.LayerSource
		if layersDir != "" {
			layers = client.DirLayerSource{Dir: layersDir}
		}

		outcome, err := c.Submit(spec.ClientJobID, spec.JobSpec, layers)
		if err != nil {
			return fmt.Errorf("submitting job: %w", err)
		}

		printOutcome(outcome)
		os.Exit(outcome.ExitCode())
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print the broker's current job and worker statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		brokerAddr, _ := cmd.Flags().GetString("broker-addr")

		c, err := dial(cmd, brokerAddr)
		if err != nil {
			return err
		}
		defer c.Close()

		stats, err := c.Stats()
		if err != nil {
			return fmt.Errorf("requesting stats: %w", err)
		}

		fmt.Printf("jobs: %d total, %d running, %d queued\n", stats.JobsTotal, stats.JobsRunning, stats.JobsQueued)
		for _, w := range stats.Workers {
			fmt.Printf("  worker %d: %d/%d slots in use\n", w.ID, w.Pending, w.Slots)
		}
		return nil
	},
}

func dial(cmd *cobra.Command, brokerAddr string) (*client.Client, error) {
	tlsEnabled, _ := cmd.Flags().GetBool("tls-enabled")
	if !tlsEnabled {
		return client.Dial(brokerAddr)
	}
	certDir, _ := cmd.Flags().GetString("cert-dir")
	return client.DialTLS(brokerAddr, certDir)
}

func printOutcome(outcome types.Outcome) {
	switch outcome.Kind {
	case types.OutcomeExited:
		fmt.Printf("exited with code %d\n", outcome.Code)
	case types.OutcomeSignaled:
		fmt.Printf("killed by signal %d\n", outcome.Code)
	case types.OutcomeTimedOut:
		fmt.Println("timed out")
	case types.OutcomeExecution, types.OutcomeSystemError:
		fmt.Printf("%s: %s\n", outcome.Kind, outcome.Error)
	}
	printStream("stdout", outcome.Stdout)
	printStream("stderr", outcome.Stderr)
}

func printStream(name string, out types.OutputResult) {
	switch out.Kind {
	case types.OutputInline:
		fmt.Printf("--- %s ---\n%s\n", name, out.Inline)
	case types.OutputTruncated:
		fmt.Printf("--- %s (truncated, %d more bytes not shown) ---\n%s\n", name, out.Truncated, out.First)
	}
}
