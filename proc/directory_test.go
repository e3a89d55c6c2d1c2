package proc

import (
	"errors"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/addrspace"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/sim/timing"
)

var _ = Describe("Directory", func() {
	var (
		engine *timing.SerialEngine
		sched  *coro.Scheduler
		reaped []vm.PID
		dir    *Directory
	)

	noSpace := func(vm.PID) (*addrspace.AddressSpace, error) {
		return nil, nil
	}

	BeforeEach(func() {
		engine = timing.NewSerialEngine()
		sched = coro.NewScheduler("Sched", engine)
		reaped = nil
		dir = NewDirectory(sched,
			func(_ *coro.Task, p *Process) { reaped = append(reaped, p.PID) },
			slog.New(slog.NewTextHandler(GinkgoWriter, nil)))
	})

	It("should assign increasing pids", func() {
		a, err := dir.Add("a", noSpace)
		Expect(err).NotTo(HaveOccurred())
		b, _ := dir.Add("b", noSpace)

		Expect(a.PID).To(Equal(vm.PID(1)))
		Expect(b.PID).To(Equal(vm.PID(2)))

		got, err := dir.Get(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(BeIdenticalTo(b))
		Expect(dir.All()).To(Equal([]*Process{a, b}))
	})

	It("should not consume a pid when the address space fails", func() {
		_, err := dir.Add("bad", func(vm.PID) (*addrspace.AddressSpace, error) {
			return nil, errors.New("no root")
		})
		Expect(err).To(HaveOccurred())

		p, _ := dir.Add("good", noSpace)
		Expect(p.PID).To(Equal(vm.PID(1)))
	})

	It("should report unknown pids", func() {
		_, err := dir.Get(42)
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should tear down an idle process at once", func() {
		p, _ := dir.Add("a", noSpace)

		dir.Exit(p, ExitStatus{Code: 3})
		Expect(engine.Run()).To(Succeed())

		Expect(reaped).To(Equal([]vm.PID{1}))
		Expect(p.State()).To(Equal(Dead))

		_, err := dir.Get(1)
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should defer the teardown while a task is active", func() {
		p, _ := dir.Add("a", noSpace)
		dir.BeginTask(p)

		dir.Exit(p, ExitStatus{Killed: true, Reason: "fault"})
		Expect(engine.Run()).To(Succeed())

		Expect(reaped).To(BeEmpty())
		Expect(p.TeardownPending()).To(BeTrue())

		dir.EndTask(p)
		Expect(engine.Run()).To(Succeed())

		Expect(reaped).To(Equal([]vm.PID{1}))
		Expect(p.Status().Killed).To(BeTrue())
	})

	It("should keep the first exit status", func() {
		p, _ := dir.Add("a", noSpace)
		dir.BeginTask(p)

		dir.Exit(p, ExitStatus{Code: 1})
		dir.Exit(p, ExitStatus{Killed: true})

		Expect(p.Status()).To(Equal(ExitStatus{Code: 1}))
		Expect(func() { dir.BeginTask(p) }).To(Panic())
	})

	It("should complete exit waiters with the status", func() {
		p, _ := dir.Add("a", noSpace)

		var got any

		sched.Submit("waiter", nil, func(t *coro.Task, _ any) (any, error) {
			got, _ = dir.WaitExit(p).Await(t)
			return nil, nil
		})
		Expect(engine.Run()).To(Succeed())
		Expect(got).To(BeNil())

		dir.Exit(p, ExitStatus{Killed: true, Reason: "fault"})
		Expect(engine.Run()).To(Succeed())

		Expect(got).To(Equal(ExitStatus{Killed: true, Reason: "fault"}))

		v, _ := dir.WaitExit(p).Result()
		Expect(v).To(Equal(p.Status()))
	})
})
