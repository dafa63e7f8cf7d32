package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/ehrlich-b/go-xdna"
	"github.com/ehrlich-b/go-xdna/workload"
)

func infoCommand(p *probe) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Print generation and tile array geometry",
		Action: func(c *cli.Context) error {
			s, err := p.open(c)
			if err != nil {
				return err
			}
			defer s.Close()
			d := s.Device()

			major, minor, err := d.QueryAIEVersion()
			if err != nil {
				return err
			}
			md, err := d.Metadata()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Device %d: %s\n", d.ID(), d.Path())
			fmt.Fprintf(c.App.Writer, "Generation: %s\n", d.Generation())
			fmt.Fprintf(c.App.Writer, "AIE version: %d.%d\n", major, minor)
			fmt.Fprintf(c.App.Writer, "Tile array: %d columns x %d rows (%d bytes per column)\n",
				md.Columns, md.Rows, md.ColumnSize)
			return nil
		},
	}
}

func boCommand(p *probe) *cli.Command {
	return &cli.Command{
		Name:  "bo",
		Usage: "Allocate a buffer, write a pattern through it and read it back",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "size", Value: 4096, Usage: "Buffer size in bytes"},
			&cli.BoolFlag{Name: "cacheable", Usage: "Allocate from the device heap where there is one"},
		},
		Action: func(c *cli.Context) error {
			s, err := p.open(c)
			if err != nil {
				return err
			}
			defer s.Close()

			flags := xdna.FlagNone
			if c.Bool("cacheable") {
				flags = xdna.FlagCacheable
			}
			bo, err := s.Device().AllocBO(c.Uint64("size"), flags)
			if err != nil {
				return err
			}
			defer bo.Free()

			props := bo.Properties()
			fmt.Fprintf(c.App.Writer, "Buffer %d: %d bytes, flags %s, device address %#x\n",
				props.Handle, props.Size, props.Flags, props.DeviceAddr)

			buf, err := bo.Map(xdna.MapWrite)
			if err != nil {
				return err
			}
			for i := range buf {
				buf[i] = byte(i * 7)
			}
			want := bytes.Clone(buf)

			start := time.Now()
			if err := bo.Sync(xdna.SyncToDevice, 0, 0); err != nil {
				return err
			}
			if err := bo.Sync(xdna.SyncFromDevice, 0, 0); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Synced both directions in %s\n", time.Since(start))

			if !bytes.Equal(want, buf) {
				return errors.New("read back does not match the written pattern")
			}
			fmt.Fprintln(c.App.Writer, "Pattern verified")
			return nil
		},
	}
}

func fenceCommand(p *probe) *cli.Command {
	return &cli.Command{
		Name:  "fence",
		Usage: "Signal a fence and wait on it through a clone",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rounds", Value: 3, Usage: "Signal and wait this many times"},
		},
		Action: func(c *cli.Context) error {
			s, err := p.open(c)
			if err != nil {
				return err
			}
			defer s.Close()

			f, err := s.Device().CreateFence(xdna.AccessLocal)
			if err != nil {
				return err
			}
			defer f.Close()
			waiter, err := f.Clone()
			if err != nil {
				return err
			}
			defer waiter.Close()

			for i := 0; i < c.Int("rounds"); i++ {
				if err := f.Signal(); err != nil {
					return err
				}
				start := time.Now()
				if err := waiter.Wait(p.cfg.WaitTimeoutMs()); err != nil {
					return err
				}
				state, _ := waiter.State()
				fmt.Fprintf(c.App.Writer, "Fence reached point %d after %s\n", state, time.Since(start))
			}
			return nil
		},
	}
}

func runCommand(p *probe) *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Load a workload, create a context and run a command on it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "manifest",
				Usage: "Workload manifest; a built-in single kernel workload is used when empty",
			},
			&cli.StringFlag{Name: "cu", Usage: "Compute unit to start, defaults to the first"},
			&cli.IntFlag{Name: "count", Value: 1, Usage: "Number of commands to run"},
			&cli.UintFlag{Name: "gops", Value: 100, Usage: "Requested throughput"},
		},
		Action: func(c *cli.Context) error {
			pkg, err := loadWorkload(c.String("manifest"))
			if err != nil {
				return err
			}
			s, err := p.open(c)
			if err != nil {
				return err
			}
			defer s.Close()
			d := s.Device()

			if err := d.LoadPackage(pkg); err != nil {
				return err
			}
			qos := xdna.QoS{}
			for k, v := range p.cfg.DefaultQoS {
				qos[k] = v
			}
			qos["gops"] = uint32(c.Uint("gops"))
			ctx, err := d.CreateHwContext(pkg.UUID, qos, nil)
			if err != nil {
				return err
			}
			defer ctx.Close()
			fmt.Fprintf(c.App.Writer, "Context slot %d with %d compute units\n", ctx.Slot(), len(ctx.CUs()))

			cu := xdna.CUIndex(0)
			if name := c.String("cu"); name != "" {
				if cu, err = ctx.OpenCUContext(name); err != nil {
					return err
				}
			}

			in, err := ctx.AllocBO(4096, xdna.FlagNone)
			if err != nil {
				return err
			}
			out, err := ctx.AllocBO(4096, xdna.FlagNone)
			if err != nil {
				return err
			}
			cmd, err := ctx.AllocBO(4096, xdna.FlagExecBuf)
			if err != nil {
				return err
			}
			cmd.SetArgs(in, out)

			q := ctx.Queue()
			for i := 0; i < c.Int("count"); i++ {
				if err := cmd.PrepareStartCU(cu); err != nil {
					return err
				}
				start := time.Now()
				if err := q.SubmitCommand(cmd); err != nil {
					return err
				}
				done, err := q.WaitCommand(cmd, p.cfg.WaitTimeoutMs())
				if err != nil {
					return err
				}
				if !done {
					return errors.Errorf("command %d did not complete within %s", cmd.CmdID(), p.cfg.WaitTimeout)
				}
				state, err := cmd.CmdState()
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Command %d finished in state %d after %s\n", cmd.CmdID(), state, time.Since(start))
				if state != xdna.CmdStateCompleted {
					return errors.Errorf("command %d failed with state %d", cmd.CmdID(), state)
				}
			}
			return nil
		},
	}
}

// loadWorkload reads a manifest, or builds a one kernel workload
func loadWorkload(path string) (*workload.Package, error) {
	if path != "" {
		return workload.LoadManifest(path)
	}
	const kernelID = 0x1
	return &workload.Package{
		UUID: uuid.NewV5(uuid.NamespaceOID, "xdna-probe"),
		Name: "xdna-probe",
		Kernels: []workload.Kernel{
			{Name: "DPU", CUName: "DPU:probe", KernelID: kernelID},
		},
		Partition: workload.Partition{
			OpsPerCycle: 2048,
			Columns:     1,
			Images: []workload.Image{
				{KernelIDs: []uint32{kernelID}, Binary: []byte("probe image")},
			},
		},
	}, nil
}
