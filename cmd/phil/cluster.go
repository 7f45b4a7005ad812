package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zph/phil/pkg/topology"
)

var (
	replSetNodes int
	replSetName  string

	numShards int
	shardType string
	numMongos int
)

const replSetShardNodes = 3

var singleCmd = &cobra.Command{
	Use:   "single [-- mongod args...]",
	Short: "Start a single server",
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := newBuilder().Standalone()
		if err != nil {
			return err
		}
		return run(cmd.Context(), topo, "", trailingArgs(cmd, args))
	},
}

var replSetCmd = &cobra.Command{
	Use:   "replset [-- mongod args...]",
	Short: "Start a replica set",
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := newBuilder().ReplicaSet(replSetName, replSetNodes)
		if err != nil {
			return err
		}
		return run(cmd.Context(), topo, topo.ReplicaSet.Name, trailingArgs(cmd, args))
	},
}

var shardedCmd = &cobra.Command{
	Use:   "sharded [-- mongod args...]",
	Short: "Start a sharded cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		perShard := replSetShardNodes
		switch shardType {
		case "replset":
		case "single":
			perShard = 1
		default:
			return fmt.Errorf("invalid --shard-type %q: must be single or replset", shardType)
		}

		topo, err := newBuilder().Sharded(numShards, perShard, numMongos)
		if err != nil {
			return err
		}
		return run(cmd.Context(), topo, "", trailingArgs(cmd, args))
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <topology.yaml> [-- mongod args...]",
	Short: "Start the cluster described by a topology file",
	Long: `Start the cluster described by a topology file. The file holds exactly one
of standalone, replica_set or sharded, with explicit hosts, ports and data
directories.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if n := positional(cmd, args); n != 1 {
			return fmt.Errorf("apply takes exactly one topology file, got %d", n)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		topo, err := topology.ParseTopologyFile(args[0])
		if err != nil {
			return err
		}

		setName := ""
		if topo.Kind == topology.KindReplicaSet {
			setName = topo.ReplicaSet.Name
		}
		return run(cmd.Context(), topo, setName, trailingArgs(cmd, args))
	},
}

// newBuilder skips ports something already listens on, unless running nodes
// on those ports are meant to be adopted
func newBuilder() *topology.Builder {
	b := topology.NewBuilder(bindHost(), dataDir, basePort)
	if !adoptRunning {
		b.Allocator = topology.NewPortAllocatorWithChecker(basePort, topology.IsPortAvailable)
	}
	return b
}

// bindHost is the host nodes are addressed by; a wildcard bind still means
// clients reach the nodes through localhost
func bindHost() string {
	switch bindIP {
	case "", "0.0.0.0", "::":
		return topology.DefaultHost
	}
	return bindIP
}

// trailingArgs returns whatever followed "--" on the command line
func trailingArgs(cmd *cobra.Command, args []string) []string {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return args[dash:]
	}
	return nil
}

func positional(cmd *cobra.Command, args []string) int {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return dash
	}
	return len(args)
}

func init() {
	replSetCmd.Flags().IntVarP(&replSetNodes, "nodes", "n", 3, "Number of nodes in the replica set")
	replSetCmd.Flags().StringVarP(&replSetName, "set-name", "s", topology.DefaultSetName, "Name of the replica set")

	shardedCmd.Flags().IntVar(&numShards, "num-shards", 1, "Number of shards to start")
	shardedCmd.Flags().StringVar(&shardType, "shard-type", "replset", "Type of shards to start (single or replset)")
	shardedCmd.Flags().IntVar(&numMongos, "num-mongos", 2, "Number of mongos routers to start")

	for _, cmd := range []*cobra.Command{singleCmd, replSetCmd, shardedCmd} {
		cmd.Args = func(cmd *cobra.Command, args []string) error {
			if n := positional(cmd, args); n != 0 {
				return fmt.Errorf("unexpected argument %q; pass mongod arguments after --", args[0])
			}
			return nil
		}
	}

	rootCmd.AddCommand(singleCmd, replSetCmd, shardedCmd, applyCmd)
}
