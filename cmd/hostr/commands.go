package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func clientFor(flags *GlobalFlags) *APIClient {
	return NewAPIClient(flags.APIUrl, flags.APITimeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func createOwnerCommand(flags *GlobalFlags) *cobra.Command {
	var plan string
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Manage owners",
	}
	create := &cobra.Command{
		Use:   "create <id>",
		Short: "Register an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := clientFor(flags).CreateOwner(id, plan); err != nil {
				return err
			}
			fmt.Printf("owner %d created\n", id)
			return nil
		},
	}
	create.Flags().StringVar(&plan, "plan", "free", "subscription plan: free, pro, or ultra")
	cmd.AddCommand(create)
	return cmd
}

func createInstanceCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage hosted instances",
	}
	cmd.AddCommand(
		instanceCreateCommand(flags),
		instanceListCommand(flags),
		instanceStatusCommand(flags),
		instanceDeleteCommand(flags),
		instanceStartCommand(flags),
		instanceStopCommand(flags),
		instanceAddTimeCommand(flags),
		instanceRecoverCommand(flags),
		instanceLogsCommand(flags),
		instanceUsageCommand(flags),
	)
	return cmd
}

func instanceCreateCommand(flags *GlobalFlags) *cobra.Command {
	var (
		ownerID   int64
		name      string
		entryFile string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := clientFor(flags).CreateInstance(ownerID, name, entryFile)
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "owner id")
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVar(&entryFile, "entry", "", "entry file relative to the work directory")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func instanceListCommand(flags *GlobalFlags) *cobra.Command {
	var ownerID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an owner's instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			insts, err := clientFor(flags).ListInstances(ownerID)
			if err != nil {
				return err
			}
			return printJSON(insts)
		},
	}
	cmd.Flags().Int64Var(&ownerID, "owner", 0, "owner id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func instanceStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show an instance's record and budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			inst, err := clientFor(flags).GetInstance(id)
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
}

func instanceDeleteCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop an instance and purge its files and records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := clientFor(flags).DeleteInstance(id); err != nil {
				return err
			}
			fmt.Printf("instance %d deleted\n", id)
			return nil
		},
	}
}

func instanceStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := clientFor(flags).StartInstance(id); err != nil {
				return err
			}
			fmt.Printf("instance %d started\n", id)
			return nil
		},
	}
}

func instanceStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := clientFor(flags).StopInstance(id); err != nil {
				return err
			}
			fmt.Printf("instance %d stopped\n", id)
			return nil
		},
	}
}

func instanceAddTimeCommand(flags *GlobalFlags) *cobra.Command {
	var seconds int64
	cmd := &cobra.Command{
		Use:   "addtime <id>",
		Short: "Top up an instance's time budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			inst, err := clientFor(flags).AddTime(id, seconds)
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
	cmd.Flags().Int64Var(&seconds, "seconds", 0, "seconds of hosting time to add")
	_ = cmd.MarkFlagRequired("seconds")
	return cmd
}

func instanceRecoverCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <id>",
		Short: "Apply the daily free recovery to a dormant instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			inst, err := clientFor(flags).RecoverInstance(id)
			if err != nil {
				return err
			}
			return printJSON(inst)
		},
	}
}

func instanceLogsCommand(flags *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show recent error log entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			logs, err := clientFor(flags).Logs(id, limit)
			if err != nil {
				return err
			}
			return printJSON(logs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of entries (default 5)")
	return cmd
}

func instanceUsageCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <id>",
		Short: "Sample live CPU and memory for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			u, err := clientFor(flags).Usage(id)
			if err != nil {
				return err
			}
			return printJSON(u)
		},
	}
}
