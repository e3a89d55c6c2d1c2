package pager

import (
	"errors"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/sim/hooking"
	"github.com/sarchlab/vmserver/sim/timing"
)

type processes map[vm.PID]*addrspace.AddressSpace

func (p processes) AddressSpace(pid vm.PID) (*addrspace.AddressSpace, error) {
	as, ok := p[pid]
	if !ok {
		return nil, errors.New("no such process")
	}

	return as, nil
}

type allocatingSource struct {
	frames *frame.Table
	pager  *Pager
}

func (s *allocatingSource) ObtainFrame(t *coro.Task) (frame.ID, error) {
	f, err := s.frames.Allocate()
	if errors.Is(err, frame.ErrOutOfMemory) {
		return s.pager.PageOut(t)
	}

	return f, err
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed ^ byte(i)
	}
}

func filled(seed byte) []byte {
	b := make([]byte, vm.PageSize)
	fill(b, seed)

	return b
}

var _ = Describe("Pager", func() {
	var (
		engine *timing.SerialEngine
		sched  *coro.Scheduler
		arena  *phys.Arena
		frames *frame.Table
		dev    *pagefile.MemDevice
		file   *pagefile.PageFile
		as     *addrspace.AddressSpace
		p      *Pager
	)

	BeforeEach(func() {
		var err error

		engine = timing.NewSerialEngine()
		sched = coro.NewScheduler("Sched", engine)
		arena = phys.MakeArenaBuilder().WithTotalPages(8).Build("Arena")
		frames = frame.MakeBuilder().
			WithProvider(arena).
			WithReservedFraction(0).
			WithWatermarks(4, 1).
			Build("Frames")
		dev = pagefile.NewMemDevice(4*vm.PageSize, sched, 0.001, 1024)
		file = pagefile.New(dev, 4)

		as, err = addrspace.New(1, frames, arena)
		Expect(err).NotTo(HaveOccurred())
		Expect(as.Regions.Add(addrspace.Region{
			Name: "data", Start: 0x10000, End: 0x40000,
			Rights: vm.RightReadWrite,
		})).To(Succeed())

		p = MakeBuilder().
			WithFrameTable(frames).
			WithProvider(arena).
			WithPageFile(file).
			WithScheduler(sched).
			WithProcessDirectory(processes{1: as}).
			WithLogger(slog.New(slog.NewTextHandler(GinkgoWriter, nil))).
			Build("Pager")
		p.SetFrameSource(&allocatingSource{frames: frames, pager: p})
	})

	AfterEach(func() {
		Expect(arena.Close()).To(Succeed())
	})

	mapPage := func(vpn vm.VPN, seed byte) frame.ID {
		f, err := frames.Allocate()
		Expect(err).NotTo(HaveOccurred())

		h, err := arena.MapInto(as.Root, frames.Handle(f), vpn.Addr(),
			vm.RightReadWrite)
		Expect(err).NotTo(HaveOccurred())
		Expect(as.Dir.Insert(vpn, pagedir.MappedEntry(h, f))).To(Succeed())

		frames.SetOwner(f, 1, vpn)
		fill(frames.Bytes(f), seed)

		return f
	}

	userBytes := func(vpn vm.VPN) []byte {
		tr, ok := arena.Translate(as.Root, vpn.Addr())
		Expect(ok).To(BeTrue())

		return arena.Bytes(tr.Frame)
	}

	run := func(fn func(t *coro.Task) error) error {
		task := sched.Submit("op", nil, func(t *coro.Task, _ any) (any, error) {
			return nil, fn(t)
		})

		Expect(engine.Run()).To(Succeed())
		Expect(task.Done()).To(BeTrue())

		_, err := task.Result()

		return err
	}

	pageOut := func() (frame.ID, error) {
		var f frame.ID

		err := run(func(t *coro.Task) error {
			var err error
			f, err = p.PageOut(t)

			return err
		})

		return f, err
	}

	pageIn := func(vpn vm.VPN) error {
		return run(func(t *coro.Task) error {
			return p.PageIn(t, as, vpn, vm.AccessRead)
		})
	}

	It("should pick the second-chance frame and promote the other", func() {
		a := mapPage(0x10, 1)
		b := mapPage(0x11, 2)
		frames.SetChance(b, frame.SecondChance)

		victim, err := pageOut()

		Expect(err).NotTo(HaveOccurred())
		Expect(victim).To(Equal(b))
		Expect(frames.Chance(a)).To(Equal(frame.SecondChance))
		Expect(p.Cursor()).To(Equal(b + 1))
		Expect(as.Dir.IsEvicted(0x11)).To(BeTrue())
		Expect(as.Dir.IsEvicted(0x10)).To(BeFalse())
	})

	It("should never choose pinned or unowned frames", func() {
		Expect(as.Dir.EnsureTable(0x10)).To(Succeed())
		_, err := frames.Allocate()
		Expect(err).NotTo(HaveOccurred())

		_, err = pageOut()

		Expect(err).To(MatchError(ErrNoVictim))
		Expect(file.Slots().Len()).To(Equal(4))
	})

	It("should fail fast when the page file is full", func() {
		mapPage(0x10, 1)

		for file.Slots().Len() > 0 {
			file.Slots().Pop()
		}

		_, err := pageOut()

		Expect(err).To(MatchError(ErrPageFileFull))
		Expect(p.Stats().ClockSteps).To(BeZero())
	})

	It("should bring evicted pages back unchanged", func() {
		f := mapPage(0x12, 7)

		victim, err := pageOut()
		Expect(err).NotTo(HaveOccurred())
		Expect(victim).To(Equal(f))
		Expect(frames.Bytes(victim)).To(Equal(make([]byte, vm.PageSize)))

		_, owned := frames.Owner(victim)
		Expect(owned).To(BeFalse())

		_, mapped := arena.Translate(as.Root, vm.VPN(0x12).Addr())
		Expect(mapped).To(BeFalse())
		Expect(file.Slots().Len()).To(Equal(3))

		frames.Release(victim)

		Expect(pageIn(0x12)).To(Succeed())

		Expect(userBytes(0x12)).To(Equal(filled(7)))
		Expect(as.Dir.IsEvicted(0x12)).To(BeFalse())
		Expect(file.Slots().Len()).To(Equal(4))
		Expect(arena.Flushes()).To(Equal(uint64(1)))

		e, _ := as.Dir.Lookup(0x12)
		owner, owned := frames.Owner(e.Frame)
		Expect(owned).To(BeTrue())
		Expect(owner).To(Equal(frame.Owner{PID: 1, VPN: 0x12}))
		Expect(frames.Chance(e.Frame)).To(Equal(frame.FirstChance))
	})

	It("should roll back an eviction whose write fails", func() {
		f := mapPage(0x13, 3)
		dev.FailNextWrites(1)

		_, err := pageOut()

		Expect(err).To(MatchError(pagefile.ErrIO))
		Expect(as.Dir.IsEvicted(0x13)).To(BeFalse())
		Expect(userBytes(0x13)).To(Equal(filled(3)))
		Expect(file.Slots().Len()).To(Equal(4))
		Expect(p.Stats().Rollbacks).To(Equal(uint64(1)))

		owner, owned := frames.Owner(f)
		Expect(owned).To(BeTrue())
		Expect(owner.VPN).To(Equal(vm.VPN(0x13)))
	})

	It("should keep the page evicted when the read fails", func() {
		mapPage(0x14, 4)
		victim, err := pageOut()
		Expect(err).NotTo(HaveOccurred())
		frames.Release(victim)

		dev.FailNextReads(1)

		Expect(pageIn(0x14)).To(MatchError(pagefile.ErrIO))
		Expect(as.Dir.IsEvicted(0x14)).To(BeTrue())
		Expect(file.Slots().Len()).To(Equal(3))
		Expect(p.Stats().PageInFailures).To(Equal(uint64(1)))

		Expect(pageIn(0x14)).To(Succeed())
		Expect(userBytes(0x14)).To(Equal(filled(4)))
	})

	It("should recycle page file slots", func() {
		pages := []vm.VPN{0x15, 0x16, 0x17}
		for i, vpn := range pages {
			mapPage(vpn, byte(i))
		}

		for range pages {
			victim, err := pageOut()
			Expect(err).NotTo(HaveOccurred())
			frames.Release(victim)
		}

		Expect(file.Slots().Len()).To(Equal(1))

		for i, vpn := range pages {
			Expect(pageIn(vpn)).To(Succeed())
			Expect(userBytes(vpn)).To(Equal(filled(byte(i))))
		}

		Expect(file.Slots().Len()).To(Equal(file.Slots().Cap()))
	})

	It("should page out to make room for a page-in", func() {
		for i := 0; i < 7; i++ {
			mapPage(vm.VPN(0x20+i), byte(i))
		}

		_, err := pageOut()
		Expect(err).NotTo(HaveOccurred())

		evicted := vm.VPN(0)
		as.Dir.Walk(func(vpn vm.VPN, e pagedir.Entry) {
			if e.Kind == pagedir.Evicted {
				evicted = vpn
			}
		})
		Expect(evicted).NotTo(BeZero())

		Expect(pageIn(evicted)).To(Succeed())

		Expect(userBytes(evicted)).To(Equal(filled(byte(evicted - 0x20))))
		Expect(p.Stats().PageOuts).To(Equal(uint64(2)))

		mapped, evictedCount := as.Dir.Counts()
		Expect(mapped).To(Equal(6))
		Expect(evictedCount).To(Equal(1))
	})

	It("should admit paging operations in arrival order", func() {
		for i := 0; i < 3; i++ {
			mapPage(vm.VPN(0x30+i), byte(i))
		}

		var events []string
		p.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			op := ctx.Item.(*Op)
			events = append(events, ctx.Pos.Name+":"+op.Task.Name())
		}))

		for _, name := range []string{"a", "b", "c"} {
			sched.Submit(name, nil, func(t *coro.Task, _ any) (any, error) {
				return p.PageOut(t)
			})
		}

		Expect(engine.Run()).To(Succeed())
		Expect(events).To(Equal([]string{
			"PageOutStart:a", "PageOutEnd:a",
			"PageOutStart:b", "PageOutEnd:b",
			"PageOutStart:c", "PageOutEnd:c",
		}))
	})

	It("should do nothing for a page that is not evicted", func() {
		mapPage(0x18, 8)

		Expect(pageIn(0x18)).To(Succeed())
		Expect(p.Stats().StalePageIns).To(Equal(uint64(1)))
		Expect(p.Stats().PageIns).To(BeZero())
	})

	It("should leave the gate held while a write never completes", func() {
		mapPage(0x19, 1)
		mapPage(0x1a, 2)
		dev.StallWrites()

		first := sched.Submit("first", nil,
			func(t *coro.Task, _ any) (any, error) { return p.PageOut(t) })
		second := sched.Submit("second", nil,
			func(t *coro.Task, _ any) (any, error) { return p.PageOut(t) })

		Expect(engine.Run()).To(Succeed())
		Expect(sched.Blocked()).To(ConsistOf(first, second))
		Expect(p.Gate().HeldBy(first)).To(BeTrue())
		Expect(second.WaitingOn()).To(Equal("gate Pager.Gate"))
	})

	Context("when no frame can be obtained", func() {
		var mockCtrl *gomock.Controller

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should fail the page-in", func() {
			mapPage(0x1b, 1)
			victim, err := pageOut()
			Expect(err).NotTo(HaveOccurred())
			frames.Release(victim)

			source := NewMockFrameSource(mockCtrl)
			source.EXPECT().
				ObtainFrame(gomock.Any()).
				Return(frame.NoFrame, ErrNoVictim)
			p.SetFrameSource(source)

			Expect(pageIn(0x1b)).To(MatchError(ErrNoVictim))
			Expect(p.Gate().Owner()).To(BeNil())
			Expect(as.Dir.IsEvicted(0x1b)).To(BeTrue())
		})
	})
})
