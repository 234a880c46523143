package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/apm/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// topologyManifest is the YAML shape apmctl reads for both `open` and
// `apply`: a declarative list of module placements and the links between
// them, the in-process equivalent of the wire-level OPEN payload (§1:
// the wire codec itself is out of scope).
type topologyManifest struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Spec struct {
		Modules []struct {
			Module    uint32 `yaml:"module"`
			SubGraph  uint32 `yaml:"subGraph"`
			Container uint32 `yaml:"container"`
			Heap      uint32 `yaml:"heap"`
		} `yaml:"modules"`
		Links []struct {
			SelfContainer uint32   `yaml:"selfContainer"`
			PeerContainer uint32   `yaml:"peerContainer"`
			SelfSubGraph  uint32   `yaml:"selfSubGraph"`
			PeerSubGraph  uint32   `yaml:"peerSubGraph"`
			Kind          string   `yaml:"kind"`
			Handles       []uint64 `yaml:"handles"`
		} `yaml:"links"`
	} `yaml:"spec"`
}

func loadTopologyManifest(path string) (*types.OpenSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m topologyManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if m.Kind != "" && m.Kind != "Topology" {
		return nil, fmt.Errorf("unsupported manifest kind %q", m.Kind)
	}

	spec := &types.OpenSpec{}
	for _, mp := range m.Spec.Modules {
		spec.Modules = append(spec.Modules, types.ModulePlacement{
			Module:    types.ModuleID(mp.Module),
			SubGraph:  types.SubGraphID(mp.SubGraph),
			Container: types.ContainerID(mp.Container),
			HeapID:    mp.Heap,
		})
	}
	for _, l := range m.Spec.Links {
		handles := make([]types.PortHandle, len(l.Handles))
		for i, h := range l.Handles {
			handles[i] = types.PortHandle(h)
		}
		spec.Links = append(spec.Links, types.LinkSpec{
			SelfContainer: types.ContainerID(l.SelfContainer),
			PeerContainer: types.ContainerID(l.PeerContainer),
			SelfSG:        types.SubGraphID(l.SelfSubGraph),
			PeerSG:        types.SubGraphID(l.PeerSubGraph),
			Kind:          portKindFromString(l.Kind),
			Handles:       handles,
		})
	}
	return spec, nil
}

func portKindFromString(s string) types.PortKind {
	switch s {
	case "data-out":
		return types.PortKindDataOut
	case "ctrl":
		return types.PortKindCtrl
	default:
		return types.PortKindDataIn
	}
}

var openCmd = &cobra.Command{
	Use:   "open -f manifest.yaml",
	Short: "Issue OPEN from a topology manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		spec, err := loadTopologyManifest(file)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()

		res := inst.Execute(ctx, types.Command{Opcode: types.OpOpen, Payload: spec})
		return printResult(res.Err)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply -f manifest.yaml",
	Short: "Apply a topology manifest (alias for open, kind-dispatched)",
	RunE:  openCmd.RunE,
}

func init() {
	openCmd.Flags().StringP("file", "f", "", "Topology manifest YAML file")
	_ = openCmd.MarkFlagRequired("file")

	applyCmd.Flags().StringP("file", "f", "", "Topology manifest YAML file")
	_ = applyCmd.MarkFlagRequired("file")
}
