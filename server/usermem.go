package server

import (
	"errors"
	"fmt"

	"github.com/sarchlab/vmserver/coro"
	"github.com/sarchlab/vmserver/mem/pagedir"
	"github.com/sarchlab/vmserver/mem/vm"
	"github.com/sarchlab/vmserver/proc"
)

// ErrFaultLoop is returned when a page keeps faulting after its faults were
// resolved.
var ErrFaultLoop = errors.New("server: page keeps faulting")

const maxFaultsPerAccess = 4

// ReadUser copies len(dst) bytes at addr in the address space of p into
// dst, faulting pages in as the hardware would.
func (s *Server) ReadUser(
	t *coro.Task,
	p *proc.Process,
	addr uint64,
	dst []byte,
) error {
	return s.accessUser(t, p, addr, len(dst), vm.AccessRead,
		func(page []byte, done int) { copy(dst[done:], page) })
}

// WriteUser copies src to addr in the address space of p, faulting pages
// in as the hardware would.
func (s *Server) WriteUser(
	t *coro.Task,
	p *proc.Process,
	addr uint64,
	src []byte,
) error {
	return s.accessUser(t, p, addr, len(src), vm.AccessWrite,
		func(page []byte, done int) { copy(page, src[done:]) })
}

func (s *Server) accessUser(
	t *coro.Task,
	p *proc.Process,
	addr uint64,
	n int,
	access vm.Access,
	move func(page []byte, done int),
) error {
	for done := 0; done < n; {
		a := addr + uint64(done)
		off := int(a % vm.PageSize)
		chunk := min(n-done, vm.PageSize-off)

		page, err := s.userPage(t, p, a, access)
		if err != nil {
			return err
		}

		move(page[off:off+chunk], done)
		done += chunk
	}

	return nil
}

// userPage returns the contents of the page that holds addr, raising faults
// until the hardware translation allows the access. The page is touched for
// the replacement clock.
func (s *Server) userPage(
	t *coro.Task,
	p *proc.Process,
	addr uint64,
	access vm.Access,
) ([]byte, error) {
	as := p.Space

	for i := 0; i < maxFaultsPerAccess; i++ {
		if as.Destroyed() {
			return nil, fmt.Errorf("%w: pid %d", ErrNotRunning, p.PID)
		}

		tr, ok := s.provider.Translate(as.Root, addr)
		if ok && tr.Rights.Allows(access) {
			e, _ := as.Dir.Lookup(vm.PageOf(addr))
			if e.Kind != pagedir.Mapped {
				return nil, fmt.Errorf("page %#x translated but not mapped",
					vm.AlignDown(addr))
			}

			s.frames.Touch(e.Frame)

			return s.provider.Bytes(tr.Frame), nil
		}

		status := vm.StatusTranslation
		if ok {
			status = vm.StatusPermission
		}

		if err := s.HandleFault(t, p, addr, access, status); err != nil {
			return nil, err
		}
	}

	err := fmt.Errorf("%w: pid %d at %#x", ErrFaultLoop, p.PID, addr)
	s.Kill(p, err)

	return nil, err
}
