package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices with port state, active MTU and GID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			provider, err := cfg.NewProvider()
			if err != nil {
				return err
			}
			infos, err := provider.Devices()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				return fmt.Errorf("%s: %w", provider.Name(), verbs.ErrDeviceNotFound)
			}

			port := uint8(cfg.Device.Port)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tPORT\tSTATE\tLID\tMTU\tGID\tMAX_QP_WR\tMAX_CQE")
			var errs []error
			for _, info := range infos {
				row, err := describeDevice(provider, info.Name, port, cfg.Device.GIDIndex)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
					continue
				}
				fmt.Fprintln(tw, row)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
}

func describeDevice(provider verbs.Provider, name string, port uint8, gidIndex int) (string, error) {
	dev, err := provider.Open(name)
	if err != nil {
		return "", err
	}
	defer dev.Close()

	attr, err := dev.QueryDevice()
	if err != nil {
		return "", err
	}
	pa, err := dev.QueryPort(port)
	if err != nil {
		return "", err
	}
	gid := "-"
	if pa.State == verbs.PortActive {
		g, err := dev.QueryGID(port, gidIndex)
		if err != nil {
			return "", err
		}
		gid = g.String()
	}
	return fmt.Sprintf("%s\t%d\t%s\t%d\t%s\t%s\t%d\t%d", name, port, pa.State, pa.LID, pa.ActiveMTU, gid, attr.MaxQPWR, attr.MaxCQE), nil
}
