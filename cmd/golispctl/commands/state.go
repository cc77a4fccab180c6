package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/golispd/internal/mgmt"
)

// mapCacheCmd groups map-cache operations.
var mapCacheCmd = &cobra.Command{
	Use:   "map-cache",
	Short: "Inspect and mutate the map-cache",
}

var mapCacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump the map-cache",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		doc, err := c.ReadAll(mgmt.DeviceXTR, mgmt.TargetMapCache)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(doc))
		return nil
	},
}

var mapCacheFlushCmd = &cobra.Command{
	Use:   "flush [eid-prefix]",
	Short: "Flush the map-cache, or delete one EID-prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		if len(args) == 0 {
			return c.Delete(mgmt.DeviceXTR, mgmt.TargetMapCache, nil)
		}
		return c.Delete(mgmt.DeviceXTR, mgmt.TargetMapCache, mgmt.DeleteDTO{EID: args[0]})
	},
}

// databaseCmd dumps the local mapping database (or, on a Map-Server, the
// registered mappings).
var databaseCmd = &cobra.Command{
	Use:   "database",
	Short: "Inspect the local mapping database",
}

var databaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump the local mapping database",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		doc, err := c.ReadAll(mgmt.DeviceXTR, mgmt.TargetMapDB)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(doc))
		return nil
	},
}

// parametersCmd dumps the daemon's runtime parameters.
var parametersCmd = &cobra.Command{
	Use:   "parameters",
	Short: "Dump the daemon's runtime parameters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		doc, err := c.ReadAll(mgmt.DeviceXTR, mgmt.TargetParameters)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(doc))
		return nil
	},
}

// petrCmd manages the proxy-ETR list.
var petrCmd = &cobra.Command{
	Use:   "petr",
	Short: "Manage the proxy-ETR list",
}

var petrListCmd = &cobra.Command{
	Use:   "list",
	Short: "Dump the proxy-ETR list",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		doc, err := c.ReadAll(mgmt.DeviceXTR, mgmt.TargetPetrs)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(doc))
		return nil
	},
}

var (
	petrPriority int
	petrWeight   int
)

var petrAddCmd = &cobra.Command{
	Use:   "add <addr>",
	Short: "Add a proxy-ETR",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		return c.Create(mgmt.DeviceXTR, mgmt.TargetPetrs, mgmt.LocatorDTO{
			Addr:     args[0],
			Priority: petrPriority,
			Weight:   petrWeight,
		})
	},
}

var petrDelCmd = &cobra.Command{
	Use:   "del <addr>",
	Short: "Delete a proxy-ETR",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		return c.Delete(mgmt.DeviceXTR, mgmt.TargetPetrs, mgmt.DeleteDTO{Addr: args[0]})
	},
}

func init() {
	mapCacheCmd.AddCommand(mapCacheListCmd)
	mapCacheCmd.AddCommand(mapCacheFlushCmd)
	databaseCmd.AddCommand(databaseListCmd)
	petrAddCmd.Flags().IntVar(&petrPriority, "priority", 1, "locator priority (lower = preferred)")
	petrAddCmd.Flags().IntVar(&petrWeight, "weight", 100, "locator weight")
	petrCmd.AddCommand(petrListCmd)
	petrCmd.AddCommand(petrAddCmd)
	petrCmd.AddCommand(petrDelCmd)
}
