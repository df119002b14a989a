package main

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/notargets/LatticeKernel/comm"
	"github.com/notargets/LatticeKernel/config"
	"github.com/notargets/LatticeKernel/field"
	"github.com/notargets/LatticeKernel/lattice"
	"github.com/notargets/LatticeKernel/partitions"
	"github.com/notargets/LatticeKernel/reduction"
	"github.com/notargets/LatticeKernel/storage"
	"github.com/notargets/LatticeKernel/storage/device"
	"github.com/notargets/LatticeKernel/utils"
)

// selftestCmd runs every rank of the configured decomposition in this
// process and checks halo contents and reductions
var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Verify halo exchange and reductions on in-process ranks",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		report, err := runSelfTest(cfg)
		if err != nil {
			logrus.Fatalf("self test failed: %v", err)
		}
		logrus.Infof("self test passed: %d ranks, volume %d, %d halo values checked, %d gathers done, %d avoided",
			report.Ranks, report.Volume, report.HaloChecked, report.GathersDone, report.GathersAvoided)
	},
}

type selfTestReport struct {
	Ranks          int
	Volume         int64
	HaloChecked    int64
	GathersDone    int64
	GathersAvoided int64
}

// encode maps a global coordinate to a distinct non-zero value
func encode(c, extent partitions.CoordinateVector) float64 {
	c = c.Mod(extent)
	lin, stride := 0, 1
	for a := range c {
		lin += c[a] * stride
		stride *= extent[a]
	}
	return float64(lin + 1)
}

// newBackend creates the storage of one rank. The returned release func
// frees the device, if any.
func newBackend(cfg *config.Config) (storage.Backend[float64], func(), error) {
	switch cfg.BackendKind() {
	case storage.VectorKind:
		return storage.NewVector[float64](cfg.Lanes(), cfg.MemoryLimit), func() {}, nil
	case storage.DeviceKind:
		dev, err := utils.CreateDevice(cfg.Device)
		if err != nil {
			return nil, nil, err
		}
		b, err := device.New[float64](dev, cfg.MemoryLimit)
		if err != nil {
			dev.Free()
			return nil, nil, err
		}
		return b, dev.Free, nil
	default:
		return storage.NewHost[float64](cfg.MemoryLimit), func() {}, nil
	}
}

func runSelfTest(cfg *config.Config) (selfTestReport, error) {
	lc := cfg.LatticeConfig()
	report := selfTestReport{Ranks: cfg.NumProcesses()}
	var mu sync.Mutex

	err := comm.Run(report.Ranks, func(c comm.Communicator) error {
		l, err := lattice.Setup(c, lc)
		if err != nil {
			return err
		}
		defer l.Teardown()

		b, release, err := newBackend(cfg)
		if err != nil {
			return err
		}
		defer release()
		f, err := field.New[float64](l, b, 1)
		if err != nil {
			return err
		}
		defer f.Free()

		checked, err := checkHalo(l, f, lc.Extent)
		if err != nil {
			return err
		}
		total, err := comm.ReduceSum(c, checked)
		if err != nil {
			return err
		}

		ones := reduction.NewSum[int64](l)
		for i := 0; i < l.Node().Sites; i++ {
			ones.Accumulate(1)
		}
		volume, err := ones.Value()
		if err != nil {
			return err
		}
		if volume != l.Volume() {
			return fmt.Errorf("rank %d: sum of ones is %d, volume is %d", c.Rank(), volume, l.Volume())
		}

		if c.Rank() == 0 {
			stats := l.Stats()
			mu.Lock()
			report.Volume = volume
			report.HaloChecked = total
			report.GathersDone = stats.GathersDone
			report.GathersAvoided = stats.GathersAvoided
			mu.Unlock()
		}
		return nil
	})
	return report, err
}

// checkHalo fills f with encoded coordinates, exchanges twice and compares
// every neighbor read with the value it must hold
func checkHalo(l *lattice.Lattice, f *field.Field[float64], extent partitions.CoordinateVector) (int64, error) {
	f.Assign(partitions.All, func(i int, out []float64) {
		out[0] = encode(l.CoordinateOf(i), extent)
	})
	f.Exchange(partitions.All)
	// Halos are current, so the second exchange is avoided
	f.Exchange(partitions.All)

	var checked int64
	for i := 0; i < l.Node().Sites; i++ {
		c := l.CoordinateOf(i)
		for _, d := range partitions.Directions(l.Dim()) {
			n := c.Step(d)
			want := encode(n, extent)
			a := d.Axis()
			if f.Boundary(a) == lattice.Antiperiodic && (n[a] < 0 || n[a] >= extent[a]) {
				want = -want
			}
			if got := f.GetNeighbor(i, d)[0]; got != want {
				return checked, fmt.Errorf("rank %d: site %v direction %v reads %v, want %v",
					l.Node().Rank, c, d, got, want)
			}
			if f.Neighbor(i, d) >= l.Node().Sites {
				checked++
			}
		}
	}
	return checked, nil
}
