package addrspace

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmserver/mem/vm"
)

var _ = Describe("Regions", func() {
	var l *Regions

	BeforeEach(func() {
		l = NewRegions()

		Expect(l.Add(Region{
			Name: "text", Kind: Fixed,
			Start: 0x1000, End: 0x4000, Rights: vm.RightRead | vm.RightExecute,
		})).To(Succeed())
		Expect(l.Add(Region{
			Name: "heap", Kind: Heap,
			Start: 0x10000, End: 0x12000, Rights: vm.RightReadWrite,
		})).To(Succeed())
		Expect(l.Add(Region{
			Name: "stack", Kind: Stack,
			Start: 0x20000, End: 0x22000, Rights: vm.RightReadWrite,
		})).To(Succeed())
	})

	It("should find regions", func() {
		r, ok := l.Find(0x3fff)
		Expect(ok).To(BeTrue())
		Expect(r.Name).To(Equal("text"))

		_, ok = l.Find(0x4000)
		Expect(ok).To(BeFalse())
	})

	It("should reject overlapping regions", func() {
		err := l.Add(Region{Name: "data", Start: 0x3000, End: 0x5000})
		Expect(err).To(MatchError(ErrOverlap))
	})

	It("should reject unaligned regions", func() {
		err := l.Add(Region{Name: "data", Start: 0x5001, End: 0x6000})
		Expect(err).To(MatchError(ErrBadRegion))
	})

	It("should reject a second heap", func() {
		err := l.Add(Region{Name: "heap2", Kind: Heap,
			Start: 0x30000, End: 0x31000})
		Expect(err).To(MatchError(ErrBadRegion))
	})

	It("should check permissions", func() {
		r, _ := l.Find(0x1000)

		Expect(CheckPermission(r, vm.AccessRead)).To(BeTrue())
		Expect(CheckPermission(r, vm.AccessWrite)).To(BeFalse())
		Expect(CheckPermission(nil, vm.AccessRead)).To(BeFalse())
	})

	It("should grow the stack down to the faulting page", func() {
		Expect(l.GrowStack(0x1e123)).To(Succeed())

		stack, _ := l.Stack()
		Expect(stack.Start).To(Equal(uint64(0x1e000)))
	})

	It("should refuse to grow the stack into the heap", func() {
		err := l.GrowStack(0x11fff)

		Expect(err).To(MatchError(ErrStackGrowth))

		stack, _ := l.Stack()
		Expect(stack.Start).To(Equal(uint64(0x20000)))
	})

	It("should let the stack touch the heap top", func() {
		Expect(l.GrowStack(0x12000)).To(Succeed())
	})

	It("should not grow the stack for addresses above it", func() {
		Expect(l.GrowStack(0x21000)).To(MatchError(ErrStackGrowth))
	})

	It("should raise the stack bottom back after growing it", func() {
		Expect(l.GrowStack(0x1e123)).To(Succeed())
		Expect(l.ShrinkStack(0x20000)).To(Succeed())

		stack, _ := l.Stack()
		Expect(stack.Start).To(Equal(uint64(0x20000)))
	})

	It("should only raise the stack bottom to a page inside the stack", func() {
		Expect(l.ShrinkStack(0x1f000)).To(MatchError(ErrStackGrowth))
		Expect(l.ShrinkStack(0x20800)).To(MatchError(ErrStackGrowth))
		Expect(l.ShrinkStack(0x22000)).To(MatchError(ErrStackGrowth))
	})

	It("should move the heap top", func() {
		old, err := l.SetHeapTop(0x15001)

		Expect(err).NotTo(HaveOccurred())
		Expect(old).To(Equal(uint64(0x12000)))

		heap, _ := l.Heap()
		Expect(heap.End).To(Equal(uint64(0x16000)))
	})

	It("should not let the heap run into the stack", func() {
		_, err := l.SetHeapTop(0x20001)
		Expect(err).To(MatchError(ErrHeapCollision))
	})

	It("should not shrink the heap below its start", func() {
		_, err := l.SetHeapTop(0x10000)
		Expect(err).To(MatchError(ErrBadRegion))
	})
})
