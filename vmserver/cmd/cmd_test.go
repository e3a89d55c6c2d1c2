package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmserver/datarecording"
	"github.com/sarchlab/vmserver/server"
	"github.com/sarchlab/vmserver/workload"
)

var _ = Describe("Run and report", func() {
	var (
		config server.Config
		opts   runOptions
	)

	BeforeEach(func() {
		config = server.DefaultConfig()
		config.TotalPages = 32
		config.ReservedFraction = 0
		config.HighWatermark = 4
		config.LowWatermark = 1
		config.PageFileSlots = 256
		config.LogLevel = slog.LevelError

		opts = runOptions{workload: workload.Config{
			Processes:  2,
			Pages:      40,
			Rounds:     300,
			WriteRatio: 0.5,
			Seed:       5,
		}}
	})

	It("should run an overcommitted workload", func() {
		var out bytes.Buffer

		Expect(runWorkload(&out, config, opts)).To(Succeed())
		Expect(out.String()).To(ContainSubstring("2 exited, 0 killed"))
		Expect(out.String()).To(ContainSubstring("0 mismatches"))
	})

	It("should fail when workers are killed", func() {
		config.PageFileSlots = 4

		var out bytes.Buffer

		err := runWorkload(&out, config, opts)
		Expect(err).To(MatchError(ContainSubstring("workers were killed")))
	})

	It("should report a recorded and traced run", func() {
		opts.record = filepath.Join(GinkgoT().TempDir(), "run")
		opts.trace = true

		var out bytes.Buffer
		Expect(runWorkload(&out, config, opts)).To(Succeed())

		reader, err := datarecording.NewReader(opts.record + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		var report bytes.Buffer
		Expect(printReport(context.Background(), &report, reader, 3)).
			To(Succeed())

		Expect(report.String()).To(ContainSubstring("pager.page_outs"))
		Expect(report.String()).To(ContainSubstring("exited with 0"))
		Expect(report.String()).To(ContainSubstring("paging page-in"))
		Expect(report.String()).To(ContainSubstring("fault write"))
		Expect(report.String()).To(ContainSubstring("slowest"))
	})

	It("should report a run recorded without traces", func() {
		opts.record = filepath.Join(GinkgoT().TempDir(), "run")

		var out bytes.Buffer
		Expect(runWorkload(&out, config, opts)).To(Succeed())

		reader, err := datarecording.NewReader(opts.record + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		var report bytes.Buffer
		Expect(printReport(context.Background(), &report, reader, 3)).
			To(Succeed())
		Expect(report.String()).NotTo(ContainSubstring("traced operations"))
	})
})
