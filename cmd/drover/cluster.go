package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/remote"
	"github.com/droverhq/drover/pkg/types"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect the cluster",
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node roles, health, and the failover log",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := apiClient().ClusterStatus()
		if err != nil {
			return err
		}

		fmt.Printf("Local role: %s\n\n", status.Role)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tROLE\tADDRESS\tREACHABLE\tHEALTHY\tCPU%\tMEM%\tLAST HEARTBEAT")
		for _, n := range status.Nodes {
			hb := "-"
			if !n.LastHeartbeat.IsZero() {
				hb = n.LastHeartbeat.Format("15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\t%.1f\t%.1f\t%s\n",
				n.ID, n.Role, n.Address, n.Reachable, n.Healthy,
				n.CPUUsage, n.MemoryUsage, hb)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(status.Failovers) > 0 {
			fmt.Println("\nFailover log:")
			for _, f := range status.Failovers {
				fmt.Printf("  %s  %s -> %s  (%s)\n",
					f.CreatedAt.Format("2006-01-02 15:04:05"), f.FromNode, f.ToNode, f.Reason)
			}
		}
		return nil
	},
}

var (
	probeUser     string
	probeKey      string
	probePort     int
	probeNodeID   string
	probeNodeAddr string
	probeRole     string
	probeCaps     []string
	probeRegister bool
)

var clusterProbeCmd = &cobra.Command{
	Use:   "probe <host>",
	Short: "Probe a candidate host over SSH and optionally register it as a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool := remote.NewPool(0)
		defer pool.Close()

		target := remote.Target{
			Host:    args[0],
			Port:    probePort,
			User:    probeUser,
			KeyPath: probeKey,
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		facts, err := pool.Probe(ctx, target)
		if err != nil {
			return err
		}

		fmt.Printf("Host:      %s (%s)\n", facts.Hostname, facts.OS)
		fmt.Printf("CPU cores: %d\n", facts.CPUCores)
		fmt.Printf("Memory:    %d MB\n", facts.MemoryMB)
		fmt.Printf("Free disk: %d MB\n", facts.FreeDiskMB)
		fmt.Printf("GPU:       %v\n", facts.HasGPU)

		if !probeRegister {
			return nil
		}

		nodeID := probeNodeID
		if nodeID == "" {
			nodeID = facts.Hostname
		}
		addr := probeNodeAddr
		if addr == "" {
			addr = fmt.Sprintf("%s:7700", args[0])
		}
		caps := probeCaps
		if facts.HasGPU {
			caps = append(caps, "gpu")
		}
		if err := apiClient().RegisterNode(&types.Node{
			ID:       nodeID,
			Role:     types.NodeRole(probeRole),
			Address:  addr,
			Services: caps,
		}); err != nil {
			return err
		}
		fmt.Printf("Registered node %s (%s)\n", nodeID, addr)
		return nil
	},
}

var clusterFetchLogCmd = &cobra.Command{
	Use:   "fetch-log <host> <remote-path> <local-path>",
	Short: "Copy a service log off a node over SFTP",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pool := remote.NewPool(0)
		defer pool.Close()

		target := remote.Target{
			Host:    args[0],
			Port:    probePort,
			User:    probeUser,
			KeyPath: probeKey,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if err := pool.Get(ctx, target, args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Fetched %s:%s -> %s\n", args[0], args[1], args[2])
		return nil
	},
}

var (
	allocRequester string
	allocPreferred string
	allocPriority  int
)

var clusterAllocCmd = &cobra.Command{
	Use:   "alloc <resource-type>",
	Short: "Reserve a shared resource on the least-loaded capable node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		alloc, err := apiClient().Allocate(client.AllocateRequest{
			ResourceType:  args[0],
			Requester:     allocRequester,
			PreferredNode: allocPreferred,
			Priority:      allocPriority,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Allocated %s on %s (id %s)\n", alloc.ResourceType, alloc.NodeID, alloc.ID)
		return nil
	},
}

var clusterReleaseCmd = &cobra.Command{
	Use:   "release <allocation-id>",
	Short: "Release a resource allocation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		released, err := apiClient().Release(args[0])
		if err != nil {
			return err
		}
		if !released {
			fmt.Println("Allocation was already released")
			return nil
		}
		fmt.Println("Released")
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{clusterProbeCmd, clusterFetchLogCmd} {
		c.Flags().StringVar(&probeUser, "user", os.Getenv("USER"), "SSH user")
		c.Flags().StringVar(&probeKey, "key", os.ExpandEnv("$HOME/.ssh/id_ed25519"), "SSH private key path")
		c.Flags().IntVar(&probePort, "port", 22, "SSH port")
	}
	clusterProbeCmd.Flags().StringVar(&probeNodeID, "node-id", "", "node ID to register (default: remote hostname)")
	clusterProbeCmd.Flags().StringVar(&probeNodeAddr, "node-addr", "", "node API address (default: <host>:7700)")
	clusterProbeCmd.Flags().StringVar(&probeRole, "role", string(types.RoleWorker), "cluster role for the new node")
	clusterProbeCmd.Flags().StringSliceVar(&probeCaps, "capability", nil, "advertised capability, repeatable")
	clusterProbeCmd.Flags().BoolVar(&probeRegister, "register", false, "register the probed host with the agent")

	clusterAllocCmd.Flags().StringVar(&allocRequester, "requester", "cli", "requesting entity")
	clusterAllocCmd.Flags().StringVar(&allocPreferred, "prefer", "", "preferred node ID")
	clusterAllocCmd.Flags().IntVar(&allocPriority, "priority", 0, "allocation priority")

	clusterCmd.AddCommand(clusterStatusCmd, clusterProbeCmd, clusterFetchLogCmd, clusterAllocCmd, clusterReleaseCmd)
}
