package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gbytes"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/fault"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/pagefile"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/proc"
	"github.com/sarchlab/vmserver/sim/timing"
)

func smallConfig() Config {
	c := DefaultConfig()
	c.TotalPages = 8
	c.ReservedFraction = 0
	c.HighWatermark = 4
	c.LowWatermark = 1
	c.PageFileSlots = 32
	c.IOLatency = 0.001

	return c
}

func pagePattern(pid vm.PID, page int) []byte {
	b := bytes.Repeat([]byte{byte(page + 1)}, vm.PageSize)
	binary.LittleEndian.PutUint32(b, uint32(pid))
	binary.LittleEndian.PutUint32(b[4:], uint32(page))

	return b
}

var _ = Describe("Server", func() {
	var (
		srv *Server
		p   *proc.Process
	)

	build := func(b Builder) {
		var err error

		srv, err = b.Build("VM")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(srv.Close)

		p, err = srv.Spawn(StandardLayout("worker", 2, 16, 2))
		Expect(err).NotTo(HaveOccurred())
	}

	run := func(fn ProcFunc) error {
		task, err := srv.Submit(p, "work", fn)
		Expect(err).NotTo(HaveOccurred())

		Expect(srv.Run()).To(Succeed())
		Expect(task.Done()).To(BeTrue())

		_, err = task.Result()

		return err
	}

	heapPage := func(i int) uint64 {
		return HeapBase + uint64(i)*vm.PageSize
	}

	writeAll := func(t *coro.Task, p *proc.Process, n int) error {
		for i := 0; i < n; i++ {
			if err := srv.WriteUser(t, p, heapPage(i), pagePattern(p.PID, i)); err != nil {
				return err
			}
		}

		return nil
	}

	Context("with a small memory", func() {
		BeforeEach(func() {
			logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))
			build(MakeBuilder().WithConfig(smallConfig()).WithLogger(logger))
		})

		It("should keep the contents of more pages than memory holds", func() {
			mismatches := -1

			err := run(func(t *coro.Task, p *proc.Process) error {
				if err := writeAll(t, p, 16); err != nil {
					return err
				}

				mismatches = 0
				buf := make([]byte, vm.PageSize)

				for i := 0; i < 16; i++ {
					if err := srv.ReadUser(t, p, heapPage(i), buf); err != nil {
						return err
					}

					if !bytes.Equal(buf, pagePattern(p.PID, i)) {
						mismatches++
					}
				}

				return nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(mismatches).To(BeZero())
			Expect(srv.Pager().Stats().PageOuts).To(BeNumerically(">", 8))
			Expect(srv.Pager().Stats().PageIns).To(BeNumerically(">", 0))
			Expect(srv.Stats().Frames.InUse).To(BeNumerically("<=", 8))

			mapped, evicted := p.Space.Dir.Counts()
			Expect(mapped + evicted).To(Equal(16))
			Expect(srv.PageFile().Slots().Len()).To(Equal(32 - evicted))
		})

		It("should read untouched pages as zeros", func() {
			buf := []byte{0xff, 0xff, 0xff}

			err := run(func(t *coro.Task, p *proc.Process) error {
				return srv.ReadUser(t, p, TextBase+0x10, buf)
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(buf).To(Equal([]byte{0, 0, 0}))
		})

		It("should copy across page boundaries", func() {
			src := []byte("spans two pages")
			dst := make([]byte, len(src))
			addr := heapPage(1) - 4

			err := run(func(t *coro.Task, p *proc.Process) error {
				if err := srv.WriteUser(t, p, addr, src); err != nil {
					return err
				}

				return srv.ReadUser(t, p, addr, dst)
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(dst).To(Equal(src))

			mapped, _ := p.Space.Dir.Counts()
			Expect(mapped).To(Equal(2))
		})

		It("should grow the stack on a fault just below it", func() {
			stack, _ := p.Space.Regions.Stack()
			addr := stack.Start - 8

			err := run(func(t *coro.Task, p *proc.Process) error {
				return srv.WriteUser(t, p, addr, []byte{1})
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(stack.Start).To(Equal(vm.AlignDown(addr)))
			Expect(srv.Faults().Stats().StackGrowth).To(Equal(uint64(1)))
		})

		It("should kill only the processes that touch unusable addresses",
			func() {
				addrs := []uint64{
					0,
					TextBase - 1,
					vm.UserSpaceTop - 1,
					vm.UserSpaceTop,
					vm.UserSpaceTop + 0x1234,
					math.MaxUint64,
				}

				var (
					wild  []*proc.Process
					tasks []*coro.Task
				)

				for i, addr := range addrs {
					w, err := srv.Spawn(StandardLayout(
						fmt.Sprintf("wild-%d", i), 1, 1, 1))
					Expect(err).NotTo(HaveOccurred())

					task, err := srv.Submit(w, "store",
						func(t *coro.Task, w *proc.Process) error {
							return srv.WriteUser(t, w, addr, []byte{1})
						})
					Expect(err).NotTo(HaveOccurred())

					wild = append(wild, w)
					tasks = append(tasks, task)
				}

				buf := make([]byte, 5)
				err := run(func(t *coro.Task, p *proc.Process) error {
					if err := srv.WriteUser(t, p, heapPage(0), []byte("alive")); err != nil {
						return err
					}

					return srv.ReadUser(t, p, heapPage(0), buf)
				})

				Expect(err).NotTo(HaveOccurred())
				Expect(string(buf)).To(Equal("alive"))
				Expect(p.State()).To(Equal(proc.Running))

				for i, task := range tasks {
					_, err := task.Result()
					Expect(err).To(MatchError(fault.ErrPermissionDenied),
						"%#x", addrs[i])
					Expect(wild[i].State()).To(Equal(proc.Dead))
					Expect(wild[i].Status().Killed).To(BeTrue())
				}

				Expect(srv.Processes().All()).To(ConsistOf(p))
				Expect(srv.Faults().Stats().StackGrowth).To(BeZero())
			})

		It("should kill a process that writes its text and free everything",
			func() {
				var (
					status  proc.ExitStatus
					waitErr error
				)

				task, err := srv.Submit(p, "bad", func(t *coro.Task, p *proc.Process) error {
					if err := writeAll(t, p, 16); err != nil {
						return err
					}

					return srv.WriteUser(t, p, TextBase, []byte{1})
				})
				Expect(err).NotTo(HaveOccurred())

				pid := p.PID
				srv.Scheduler().Submit("waiter", nil,
					func(t *coro.Task, _ any) (any, error) {
						status, waitErr = srv.WaitExit(t, pid)
						return nil, nil
					})

				Expect(srv.Run()).To(Succeed())

				_, err = task.Result()
				Expect(err).To(MatchError(fault.ErrPermissionDenied))
				Expect(waitErr).NotTo(HaveOccurred())
				Expect(status.Killed).To(BeTrue())
				Expect(status.Reason).To(ContainSubstring("permission denied"))

				Expect(p.State()).To(Equal(proc.Dead))
				Expect(p.Space.Destroyed()).To(BeTrue())
				Expect(srv.Processes().All()).To(BeEmpty())
				Expect(srv.Frames().Stats().InUse).To(BeZero())
				Expect(srv.PageFile().Slots().Len()).To(Equal(32))

				_, err = srv.Processes().Get(pid)
				Expect(err).To(MatchError(proc.ErrNotFound))
			})

		It("should defer the teardown until the last task finishes", func() {
			var (
				pending bool
				status  proc.ExitStatus
			)

			err := run(func(t *coro.Task, p *proc.Process) error {
				srv.Exit(p, 3)
				pending = p.TeardownPending()

				return srv.WriteUser(t, p, heapPage(0), []byte{7})
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeTrue())
			Expect(p.State()).To(Equal(proc.Dead))

			status = p.Status()
			Expect(status).To(Equal(proc.ExitStatus{Code: 3}))

			_, err = srv.Submit(p, "late", func(*coro.Task, *proc.Process) error {
				return nil
			})
			Expect(err).To(MatchError(ErrNotRunning))
		})

		It("should keep the first exit status", func() {
			err := run(func(t *coro.Task, p *proc.Process) error {
				srv.Exit(p, 1)
				srv.Exit(p, 2)

				return nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(p.Status().Code).To(Equal(1))
		})

		It("should move the heap top and drop pages above it", func() {
			var (
				grown, shrunk uint64
				collision     error
				inUseBefore   int
			)

			err := run(func(t *coro.Task, p *proc.Process) error {
				var err error

				grown, err = srv.Brk(t, p, heapPage(16)+1)
				if err != nil {
					return err
				}

				if err := srv.WriteUser(t, p, heapPage(16), []byte{1}); err != nil {
					return err
				}

				if err := writeAll(t, p, 4); err != nil {
					return err
				}

				inUseBefore = srv.Frames().Stats().InUse

				shrunk, err = srv.Brk(t, p, heapPage(1))
				if err != nil {
					return err
				}

				_, collision = srv.Brk(t, p, StackTop)

				return nil
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(grown).To(Equal(heapPage(17)))
			Expect(shrunk).To(Equal(heapPage(1)))
			Expect(collision).To(MatchError(addrspace.ErrHeapCollision))
			Expect(srv.Frames().Stats().InUse).To(Equal(inUseBefore - 4))

			_, present := p.Space.Dir.Lookup(vm.PageOf(heapPage(16)))
			Expect(present).To(BeFalse())

			e, present := p.Space.Dir.Lookup(vm.PageOf(heapPage(0)))
			Expect(present).To(BeTrue())
			Expect(e.Kind).To(Equal(pagedir.Mapped))
		})

		It("should report the counters of all its parts", func() {
			Expect(run(func(t *coro.Task, p *proc.Process) error {
				return writeAll(t, p, 10)
			})).To(Succeed())

			st := srv.Stats()
			Expect(st.Processes).To(Equal(1))
			Expect(st.PhysicalPages).To(Equal(8))
			Expect(st.Faults.Faults).To(Equal(uint64(10)))
			Expect(st.Pager.PageOuts).To(Equal(st.PageFile.SlotWrites))
			Expect(st.FreeSlots).To(Equal(32 - int(st.Pager.PageOuts)))
			Expect(st.GateAcquired).To(BeNumerically(">=", 10))
		})
	})

	It("should log tasks left blocked on a device that never answers", func() {
		engine := timing.NewSerialEngine()
		sched := coro.NewScheduler("Sched", engine)
		dev := pagefile.NewMemDevice(32*vm.PageSize, sched, 0.001, 0)
		dev.StallWrites()

		logs := gbytes.NewBuffer()
		build(MakeBuilder().
			WithConfig(smallConfig()).
			WithScheduler(sched).
			WithDevice(dev).
			WithLogger(slog.New(slog.NewTextHandler(logs, nil))))

		task, err := srv.Submit(p, "stuck", func(t *coro.Task, p *proc.Process) error {
			return writeAll(t, p, 16)
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(srv.Run()).To(Succeed())

		Expect(task.Done()).To(BeFalse())
		Expect(sched.Blocked()).To(ContainElement(task))
		Expect(srv.Pager().Gate().HeldBy(task)).To(BeTrue())
		Expect(logs).To(gbytes.Say("task blocked with no event left"))
	})

	It("should keep the page file in a host file", func() {
		c := smallConfig()
		c.PageFilePath = GinkgoT().TempDir() + "/pagefile"
		build(MakeBuilder().WithConfig(c).
			WithLogger(slog.New(slog.NewTextHandler(GinkgoWriter, nil))))

		buf := make([]byte, vm.PageSize)

		Expect(run(func(t *coro.Task, p *proc.Process) error {
			if err := writeAll(t, p, 12); err != nil {
				return err
			}

			return srv.ReadUser(t, p, heapPage(0), buf)
		})).To(Succeed())

		Expect(buf).To(Equal(pagePattern(p.PID, 0)))
		Expect(srv.PageFile().Stats().SlotReads).To(BeNumerically(">", 0))
	})

	It("should refuse a page file it cannot create", func() {
		c := smallConfig()
		c.PageFilePath = GinkgoT().TempDir() + "/missing/pagefile"

		_, err := MakeBuilder().WithConfig(c).
			WithLogger(slog.New(slog.NewTextHandler(GinkgoWriter, nil))).
			Build("VM")

		Expect(err).To(HaveOccurred())
	})
})
