package pagefile

import (
	"io"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/sim/timing"
)

func pattern(seed byte) []byte {
	b := make([]byte, vm.PageSize)
	for i := range b {
		b[i] = seed + byte(i*7)
	}

	return b
}

var _ = Describe("PageFile", func() {
	var (
		engine *timing.SerialEngine
		sched  *coro.Scheduler
	)

	BeforeEach(func() {
		engine = timing.NewSerialEngine()
		sched = coro.NewScheduler("Sched", engine)
	})

	roundTrip := func(pf *PageFile, slot SlotID, src []byte) ([]byte, error) {
		dst := make([]byte, vm.PageSize)

		var err error

		sched.Submit("io", nil, func(t *coro.Task, _ any) (any, error) {
			err = pf.WriteSlot(t, slot, src)
			if err != nil {
				return nil, err
			}

			err = pf.ReadSlot(t, slot, dst)

			return nil, err
		})

		Expect(engine.Run()).To(Succeed())

		return dst, err
	}

	It("should loop over short transfers", func() {
		dev := NewMemDevice(4*vm.PageSize, sched, 0.001, 1000)
		pf := New(dev, 4)
		src := pattern(3)

		dst, err := roundTrip(pf, 2, src)

		Expect(err).NotTo(HaveOccurred())
		Expect(dst).To(Equal(src))

		st := pf.Stats()
		Expect(st.SlotWrites).To(Equal(uint64(1)))
		Expect(st.SlotReads).To(Equal(uint64(1)))
		Expect(st.Transfers).To(Equal(uint64(10)))
		Expect(st.ShortTransfers).To(Equal(uint64(8)))
		Expect(engine.Now()).To(BeNumerically("~", 0.010, 1e-9))
	})

	It("should keep slots apart", func() {
		dev := NewMemDevice(2*vm.PageSize, sched, 0, 0)
		pf := New(dev, 2)

		_, err := roundTrip(pf, 0, pattern(1))
		Expect(err).NotTo(HaveOccurred())

		dst, err := roundTrip(pf, 1, pattern(2))
		Expect(err).NotTo(HaveOccurred())
		Expect(dst).To(Equal(pattern(2)))

		dst, err = roundTrip(pf, 0, pattern(1))
		Expect(err).NotTo(HaveOccurred())
		Expect(dst).To(Equal(pattern(1)))
	})

	It("should report device failures", func() {
		dev := NewMemDevice(vm.PageSize, sched, 0, 0)
		dev.FailNextWrites(1)
		pf := New(dev, 1)

		_, err := roundTrip(pf, 0, pattern(1))

		Expect(err).To(MatchError(ErrIO))
		Expect(pf.Stats().Failures).To(Equal(uint64(1)))
	})

	It("should store pages in a host file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "pagefile")
		dev, err := OpenFileDevice(path, 2*vm.PageSize, sched, 0.002, 512)
		Expect(err).NotTo(HaveOccurred())

		defer func() { Expect(dev.Close()).To(Succeed()) }()

		pf := New(dev, 2)
		src := pattern(9)

		dst, err := roundTrip(pf, 1, src)

		Expect(err).NotTo(HaveOccurred())
		Expect(dst).To(Equal(src))
		Expect(pf.Stats().ShortTransfers).To(Equal(uint64(14)))
	})

	It("should leave a task blocked on a stalled device", func() {
		dev := NewMemDevice(vm.PageSize, sched, 0, 0)
		dev.StallWrites()
		pf := New(dev, 1)

		t := sched.Submit("io", nil, func(t *coro.Task, _ any) (any, error) {
			return nil, pf.WriteSlot(t, 0, pattern(1))
		})

		Expect(engine.Run()).To(Succeed())
		Expect(sched.Blocked()).To(ConsistOf(t))
		Expect(t.WaitingOn()).To(Equal("future"))
	})

	Context("with a device that makes no progress", func() {
		var mockCtrl *gomock.Controller

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should give up instead of spinning", func() {
			dev := NewMockDevice(mockCtrl)
			pf := New(dev, 1)

			dev.EXPECT().
				Read(int64(0), gomock.Any()).
				DoAndReturn(func(int64, []byte) *coro.Future {
					f := sched.NewFuture()
					f.Complete(0, nil)

					return f
				})

			var err error

			t := sched.Spawn("io", func(t *coro.Task, _ any) (any, error) {
				err = pf.ReadSlot(t, 0, make([]byte, vm.PageSize))
				return nil, nil
			})
			t.Resume(nil)

			Expect(err).To(MatchError(io.ErrNoProgress))
			Expect(err).To(MatchError(ErrIO))
		})
	})
})
