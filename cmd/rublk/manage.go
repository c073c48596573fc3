package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	ublk "github.com/ehrlich-b/go-ublksrv"
	"github.com/ehrlich-b/go-ublksrv/internal/ctrl"
	"github.com/ehrlich-b/go-ublksrv/internal/logging"
)

const devDir = "/dev"

// deviceIDs returns the ids selected by -n or, when id is negative, every
// device present
func deviceIDs(id int) ([]uint32, error) {
	if id >= 0 {
		return []uint32{uint32(id)}, nil
	}
	return ctrl.DeviceIDs(devDir)
}

func newDelCmd() *cobra.Command {
	var (
		number int
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "del",
		Short: "Stop and delete devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (number < 0) == !all {
				return errors.New("give either --number or --all")
			}
			ids, err := deviceIDs(number)
			if err != nil {
				return err
			}
			drv, err := ublk.NewKernelDriver()
			if err != nil {
				return err
			}
			defer drv.Close()

			var errs []error
			for _, id := range ids {
				if err := deleteDevice(drv, id); err != nil {
					errs = append(errs, err)
					continue
				}
				logging.Info("device deleted", "dev_id", id)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().IntVarP(&number, "number", "n", -1, "device id")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "delete every device")
	return cmd
}

// deleteDevice stops a device so its server drains, then removes it. A
// device that is already stopped is just removed.
func deleteDevice(drv ublk.Driver, id uint32) error {
	if err := drv.StopDevice(id); err != nil && !ublk.IsErrno(err, unix.ENODEV) {
		logging.Warn("stop failed", "dev_id", id, "error", err)
	}
	if err := drv.DeleteDevice(id); err != nil {
		return ublk.WrapError("DEL_DEV", err)
	}
	return nil
}

func newListCmd() *cobra.Command {
	var number int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show devices and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := deviceIDs(number)
			if err != nil {
				return err
			}
			drv, err := ublk.NewKernelDriver()
			if err != nil {
				return err
			}
			defer drv.Close()

			for _, id := range ids {
				st, err := ublk.QueryDevice(drv, id)
				if err != nil {
					logging.Warn("query failed", "dev_id", id, "error", err)
					continue
				}
				printStatus(cmd.OutOrStdout(), st)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&number, "number", "n", -1, "only this device")
	return cmd
}

func printStatus(w io.Writer, st ublk.DeviceStatus) {
	a := st.Attrs
	fmt.Fprintf(w, "dev id %d: nr_hw_queues %d queue_depth %d block size %d dev_capacity %d (%s)\n",
		st.ID, st.NrQueues, st.QueueDepth, a.LogicalBlockSize, a.Sectors, formatSize(a.Capacity()))
	fmt.Fprintf(w, "\tmax rq size %d daemon pid %d flags 0x%x state %s\n",
		st.MaxIOBytes, st.ServerPID, st.Flags, st.State)
	var attrs []string
	if a.ReadOnly {
		attrs = append(attrs, "read-only")
	}
	if a.Rotational {
		attrs = append(attrs, "rotational")
	}
	if a.VolatileCache {
		attrs = append(attrs, "volatile-cache")
	}
	if a.Discard {
		attrs = append(attrs, "discard")
	}
	if a.Zoned {
		attrs = append(attrs, fmt.Sprintf("zoned(zone %d sectors, max open %d, max active %d)",
			a.ZoneSectors, a.MaxOpenZones, a.MaxActiveZones))
	}
	if len(attrs) > 0 {
		fmt.Fprintf(w, "\tattrs %s\n", strings.Join(attrs, " "))
	}
}

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "Show the features the ublk driver supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drv, err := ublk.NewKernelDriver()
			if err != nil {
				return err
			}
			defer drv.Close()

			flags, err := drv.GetFeatures()
			if err != nil {
				return ublk.WrapError("GET_FEATURES", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "features 0x%x: %s\n", flags, strings.Join(ublk.FeatureNames(flags), " "))
			return nil
		},
	}
}
