package cmd

import (
	"fmt"

	"github.com/gophertribe/devtool/test"
	"github.com/magefile/mage/sh"
	"github.com/spf13/cobra"
)

// timingPackages hold the interrupt driven drivers whose tests depend on
// scheduling.
var timingPackages = []string{"./rtos/...", "./irq/...", "./sim/...", "./busmaster/...", "./stream/...", "./sampler/..."}

func TestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Test()
			if err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
	return cmd
}

func LintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run linting",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Lint()
			if err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
	return cmd
}

func IntegrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Run integration testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Integ()
			if err != nil {
				return fmt.Errorf("failed to run integration testing: %w", err)
			}
			return nil
		},
	}
	return cmd
}

func StressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Repeat the driver tests under the race detector",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := cmd.Flags().GetInt("count")
			if err != nil {
				return fmt.Errorf("could not get count flag: %w", err)
			}
			testArgs := append([]string{"test", "-race", fmt.Sprintf("-count=%d", count)}, timingPackages...)
			if err := sh.RunV("go", testArgs...); err != nil {
				return fmt.Errorf("failed to run stress tests: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("count", 20, "number of runs per test")
	return cmd
}
