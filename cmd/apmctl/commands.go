package main

import (
	"context"
	"fmt"

	"github.com/cuemby/apm/pkg/apm/apmerr"
	"github.com/cuemby/apm/pkg/types"
	"github.com/spf13/cobra"
)

func opcodeForVerb(verb string) types.Opcode {
	switch verb {
	case "prepare":
		return types.OpPrepare
	case "start":
		return types.OpStart
	case "stop":
		return types.OpStop
	case "suspend":
		return types.OpSuspend
	case "flush":
		return types.OpFlush
	case "close":
		return types.OpClose
	default:
		return types.OpUnknown
	}
}

func graphMgmtVerbCmd(verb string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   verb + " --subgraph ID [--subgraph ID ...]",
		Short: fmt.Sprintf("Issue %s against one or more sub-graphs", opcodeForVerb(verb).String()),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, _ := cmd.Flags().GetUint32Slice("subgraph")
			sgs := make([]types.SubGraphID, len(ids))
			for i, id := range ids {
				sgs[i] = types.SubGraphID(id)
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			res := inst.Execute(ctx, types.Command{Opcode: opcodeForVerb(verb), SubGraphs: sgs})
			return printResult(res.Err)
		},
	}
	cmd.Flags().Uint32Slice("subgraph", nil, "Sub-graph id (repeatable)")
	_ = cmd.MarkFlagRequired("subgraph")
	return cmd
}

var closeAllCmd = &cobra.Command{
	Use:   "close-all",
	Short: "Issue CLOSE_ALL, tearing down every known sub-graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		res := inst.Execute(ctx, types.Command{Opcode: types.OpCloseAll})
		return printResult(res.Err)
	},
}

var getCfgCmd = &cobra.Command{
	Use:   "get-cfg",
	Short: "Issue GET_CFG against a container",
	RunE: func(cmd *cobra.Command, args []string) error {
		cont, _ := cmd.Flags().GetUint32("container")
		key, _ := cmd.Flags().GetString("key")

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		res := inst.Execute(ctx, types.Command{
			Opcode:  types.OpGetCfg,
			Payload: &types.CfgRequest{Container: types.ContainerID(cont), Key: key},
		})
		return printResult(res.Err)
	},
}

var setCfgCmd = &cobra.Command{
	Use:   "set-cfg",
	Short: "Issue SET_CFG, optionally broadcast to every container of a sub-graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		cont, _ := cmd.Flags().GetUint32("container")
		sg, _ := cmd.Flags().GetUint32("subgraph")
		key, _ := cmd.Flags().GetString("key")
		value, _ := cmd.Flags().GetString("value")

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		res := inst.Execute(ctx, types.Command{
			Opcode: types.OpSetCfg,
			Payload: &types.CfgRequest{
				Container: types.ContainerID(cont),
				SubGraph:  types.SubGraphID(sg),
				Key:       key,
				Value:     value,
			},
		})
		return printResult(res.Err)
	},
}

var registerCfgCmd = &cobra.Command{
	Use:   "register-cfg",
	Short: "Issue REGISTER_CFG against a container",
	RunE: func(cmd *cobra.Command, args []string) error {
		cont, _ := cmd.Flags().GetUint32("container")
		key, _ := cmd.Flags().GetString("key")

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		res := inst.Execute(ctx, types.Command{
			Opcode:  types.OpRegisterCfg,
			Payload: &types.CfgRequest{Container: types.ContainerID(cont), Key: key},
		})
		return printResult(res.Err)
	},
}

var deregisterCfgCmd = &cobra.Command{
	Use:   "deregister-cfg",
	Short: "Issue DEREGISTER_CFG against a container",
	RunE: func(cmd *cobra.Command, args []string) error {
		cont, _ := cmd.Flags().GetUint32("container")
		key, _ := cmd.Flags().GetString("key")

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		res := inst.Execute(ctx, types.Command{
			Opcode:  types.OpDeregisterCfg,
			Payload: &types.CfgRequest{Container: types.ContainerID(cont), Key: key},
		})
		return printResult(res.Err)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the sub-graph and container-graph state of the local instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		db := inst.DB()
		for _, id := range db.SubGraphIDs() {
			sg := db.SubGraph(id)
			fmt.Printf("subgraph 0x%x: %s (containers=%v)\n", uint32(id), sg.State, sg.Containers)
		}
		for _, g := range db.AllContainerGraphs() {
			fmt.Printf("container-graph %d: sorted=%v containers=%v\n", g.ID, g.Sorted, g.Containers)
		}
		return nil
	},
}

func init() {
	getCfgCmd.Flags().Uint32("container", 0, "Container id")
	getCfgCmd.Flags().String("key", "", "Config key")
	_ = getCfgCmd.MarkFlagRequired("container")

	setCfgCmd.Flags().Uint32("container", 0, "Container id (single recipient)")
	setCfgCmd.Flags().Uint32("subgraph", 0, "Sub-graph id (broadcast to every hosting container)")
	setCfgCmd.Flags().String("key", "", "Config key")
	setCfgCmd.Flags().String("value", "", "Config value")

	registerCfgCmd.Flags().Uint32("container", 0, "Container id")
	registerCfgCmd.Flags().String("key", "", "Config key")
	_ = registerCfgCmd.MarkFlagRequired("container")

	deregisterCfgCmd.Flags().Uint32("container", 0, "Container id")
	deregisterCfgCmd.Flags().String("key", "", "Config key")
	_ = deregisterCfgCmd.MarkFlagRequired("container")
}

func printResult(err error) error {
	if err == nil {
		fmt.Println("OK")
		return nil
	}
	if apmerr.NonFatalForSubGraph(err) {
		fmt.Printf("OK (skipped: %v)\n", err)
		return nil
	}
	return err
}
