package addrspace

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmserver/mem/frame"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/phys"
	"github.com/sarchlab/vmserver/mem/vm"
)

var _ = Describe("AddressSpace", func() {
	var (
		arena  *phys.Arena
		frames *frame.Table
		as     *AddressSpace
	)

	BeforeEach(func() {
		var err error

		arena = phys.MakeArenaBuilder().WithTotalPages(16).Build("Arena")
		frames = frame.MakeBuilder().
			WithProvider(arena).
			WithWatermarks(4, 1).
			Build("Frames")
		as, err = New(7, frames, arena)
		Expect(err).NotTo(HaveOccurred())

		Expect(as.Regions.Add(Region{
			Name: "data", Start: 0x1000, End: 0x3000, Rights: vm.RightRead,
		})).To(Succeed())
	})

	AfterEach(func() {
		Expect(arena.Close()).To(Succeed())
	})

	It("should report region rights", func() {
		rights, ok := as.RightsAt(0x2000)
		Expect(ok).To(BeTrue())
		Expect(rights).To(Equal(vm.RightRead))

		_, ok = as.RightsAt(0x5000)
		Expect(ok).To(BeFalse())
	})

	It("should destroy the directory, the root and the regions", func() {
		f, _ := frames.Allocate()
		h, err := arena.MapInto(as.Root, frames.Handle(f), 0x1000, vm.RightRead)
		Expect(err).NotTo(HaveOccurred())
		Expect(as.Dir.Insert(1, pagedir.MappedEntry(h, f))).To(Succeed())

		var released []vm.VPN
		as.Destroy(func(vpn vm.VPN, e pagedir.Entry) {
			released = append(released, vpn)
			frames.Release(e.Frame)
		})

		Expect(released).To(Equal([]vm.VPN{1}))
		Expect(as.Destroyed()).To(BeTrue())
		Expect(as.Regions.Len()).To(Equal(0))
		Expect(arena.DestroyRoot(as.Root)).To(MatchError(phys.ErrInvalidRoot))
		Expect(func() { as.Destroy(nil) }).To(Panic())
	})
})
