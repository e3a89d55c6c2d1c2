package workload

import (
	"log/slog"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gmeasure"

	"github.com/sarchlab/vmserver/server"
)

type countingProgress struct {
	inProgress, finished uint64
}

func (p *countingProgress) IncrementInProgress(n uint64) {
	p.inProgress += n
}

func (p *countingProgress) MoveInProgressToFinished(n uint64) {
	p.inProgress -= n
	p.finished += n
}

var _ = ginkgo.Describe("Runner", func() {
	var srv *server.Server

	build := func(frames int) {
		c := server.DefaultConfig()
		c.TotalPages = frames
		c.ReservedFraction = 0
		c.HighWatermark = 4
		c.LowWatermark = 1
		c.PageFileSlots = 256
		c.IOLatency = 0.0001

		var err error

		srv, err = server.MakeBuilder().
			WithConfig(c).
			WithLogger(slog.New(slog.NewTextHandler(ginkgo.GinkgoWriter,
				&slog.HandlerOptions{Level: slog.LevelWarn}))).
			Build("VM")
		Expect(err).NotTo(HaveOccurred())
		ginkgo.DeferCleanup(srv.Close)
	}

	ginkgo.It("should reject bad configurations", func() {
		build(16)

		for _, c := range []Config{
			{Processes: 0, Pages: 1},
			{Processes: 1, Pages: 0},
			{Processes: 1, Pages: 1, Rounds: -1},
			{Processes: 1, Pages: 1, WriteRatio: 1.5},
		} {
			_, err := NewRunner(srv, c, nil, nil)
			Expect(err).To(HaveOccurred())
		}
	})

	ginkgo.It("should read back every page through paging", func() {
		build(24)

		progress := &countingProgress{}
		r, err := NewRunner(srv, Config{
			Processes:  3,
			Pages:      20,
			Rounds:     400,
			WriteRatio: 0.5,
			Seed:       7,
		}, progress, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(r.Start()).To(Succeed())
		Expect(srv.Run()).To(Succeed())

		rep := r.Report()
		Expect(rep.Mismatches).To(BeZero())
		Expect(rep.Killed).To(BeZero())
		Expect(rep.Exited).To(Equal(3))
		Expect(rep.Reads + rep.Writes).To(Equal(uint64(3 * 400)))
		Expect(progress.finished).To(Equal(uint64(3)))
		Expect(progress.inProgress).To(BeZero())

		st := srv.Stats()
		Expect(st.Pager.PageOuts).To(BeNumerically(">", 0))
		Expect(st.Pager.PageIns).To(BeNumerically(">", 0))
		Expect(st.Processes).To(BeZero())
		Expect(st.Frames.InUse).To(BeZero())
		Expect(st.FreeSlots).To(Equal(256))
	})

	ginkgo.It("should report workers that are killed", func() {
		c := server.DefaultConfig()
		c.TotalPages = 8
		c.ReservedFraction = 0
		c.HighWatermark = 4
		c.LowWatermark = 1
		c.PageFileSlots = 2

		var err error

		srv, err = server.MakeBuilder().
			WithConfig(c).
			WithLogger(slog.New(slog.NewTextHandler(ginkgo.GinkgoWriter, nil))).
			Build("VM")
		Expect(err).NotTo(HaveOccurred())
		ginkgo.DeferCleanup(srv.Close)

		r, err := NewRunner(srv, Config{
			Processes:  1,
			Pages:      32,
			Rounds:     200,
			WriteRatio: 1,
			Seed:       3,
		}, nil, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(r.Start()).To(Succeed())
		Expect(srv.Run()).To(Succeed())

		rep := r.Report()
		Expect(rep.Killed).To(Equal(1))
		Expect(rep.Statuses).To(HaveLen(1))

		for _, st := range rep.Statuses {
			Expect(st.Reason).To(ContainSubstring("page file full"))
		}
	})

	ginkgo.It("measures paging throughput", func() {
		experiment := gmeasure.NewExperiment("Overcommitted Workload")
		ginkgo.AddReportEntry(experiment.Name, experiment)

		build(64)

		r, err := NewRunner(srv, Config{
			Processes:  4,
			Pages:      48,
			Rounds:     2000,
			WriteRatio: 0.3,
			Seed:       11,
		}, nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Start()).To(Succeed())

		experiment.MeasureDuration("runtime", func() {
			Expect(srv.Run()).To(Succeed())
		})

		Expect(r.Report().Mismatches).To(BeZero())
		experiment.RecordValue("page-ins", float64(srv.Stats().Pager.PageIns))
	})
})
